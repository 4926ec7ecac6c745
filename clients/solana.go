package clients

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vitwit/x402-agent-gateway/logger"
	x402types "github.com/vitwit/x402-agent-gateway/types"
	"github.com/vitwit/x402-agent-gateway/utils"
)

const (
	defaultConfirmationTimeout = 60 * time.Second
	defaultPollInterval        = 500 * time.Millisecond
)

var memoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// solanaRPC is the subset of *rpc.Client the ledger client calls.
type solanaRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	Close() error
}

var _ solanaRPC = (*rpc.Client)(nil)

// SolanaClient implements Ledger against a Solana JSON-RPC endpoint
type SolanaClient struct {
	network      x402types.Network
	rpcURL       string
	client       solanaRPC
	signer       Signer
	limiter      *rate.Limiter
	commitment   rpc.CommitmentType
	confirmation time.Duration
	pollInterval time.Duration
	log          logger.Logger
}

var _ Ledger = (*SolanaClient)(nil)

// NewSolanaClient creates a Solana ledger client. signer may be nil, in which
// case the client is read-only and transfers fail with VAULT_NOT_CONFIGURED.
func NewSolanaClient(cfg x402types.ClientConfig, signer Signer, log logger.Logger) (*SolanaClient, error) {
	rpcURL := cfg.RPCUrl
	if rpcURL == "" {
		rpcURL = cfg.Network.DefaultRPCURL()
	}
	return newSolanaClient(cfg, rpcURL, rpc.New(rpcURL), signer, log)
}

func newSolanaClient(cfg x402types.ClientConfig, rpcURL string, client solanaRPC, signer Signer, log logger.Logger) (*SolanaClient, error) {
	commitment := rpc.CommitmentConfirmed
	switch cfg.Commitment {
	case "", string(rpc.CommitmentConfirmed):
	case string(rpc.CommitmentFinalized):
		commitment = rpc.CommitmentFinalized
	default:
		return nil, fmt.Errorf("unsupported commitment %q", cfg.Commitment)
	}

	limit := rate.Inf
	burst := cfg.RPCBurst
	if cfg.RPCRequestsPerSec > 0 {
		limit = rate.Limit(cfg.RPCRequestsPerSec)
		if burst <= 0 {
			burst = 1
		}
	}

	confirmation := cfg.ConfirmationTimeout
	if confirmation <= 0 {
		confirmation = defaultConfirmationTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	network := cfg.Network
	if network == "" {
		network = x402types.NetworkSolanaMainnet
	}

	return &SolanaClient{
		network:      network,
		rpcURL:       rpcURL,
		client:       client,
		signer:       signer,
		limiter:      rate.NewLimiter(limit, burst),
		commitment:   commitment,
		confirmation: confirmation,
		pollInterval: poll,
		log:          logger.OrNoop(log),
	}, nil
}

func (c *SolanaClient) Network() x402types.Network { return c.network }

// Address returns the vault address, or "" when no signer is configured.
func (c *SolanaClient) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.PublicKey().String()
}

func (c *SolanaClient) ValidateAddress(addr string) error {
	if !utils.IsBase58String(addr) {
		return x402types.NewError(
			x402types.KindValidation,
			x402types.ReasonInvalidAddress,
			fmt.Sprintf("invalid Solana address: %s", addr),
		)
	}
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return x402types.NewError(
			x402types.KindValidation,
			x402types.ReasonInvalidAddress,
			fmt.Sprintf("invalid Solana address: %s", addr),
		).Wrap(err)
	}
	return nil
}

func (c *SolanaClient) GetBalance(ctx context.Context, address string, asset x402types.TokenInfo) (*x402types.Balance, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, c.ValidateAddress(address)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	if asset.IsNative() {
		out, err := c.client.GetBalance(ctx, owner, c.commitment)
		if err != nil {
			return nil, classifyRPCError("get balance", err)
		}
		return &x402types.Balance{
			Address:  address,
			Currency: asset.Symbol,
			Amount:   utils.FromBaseUnits(out.Value, asset.Decimals),
		}, nil
	}

	mint, err := solana.PublicKeyFromBase58(asset.Mint)
	if err != nil {
		return nil, x402types.NewError(x402types.KindConfig, x402types.ReasonInvalidAddress,
			fmt.Sprintf("invalid mint for %s", asset.Symbol)).Wrap(err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, x402types.NewError(x402types.KindInternal, x402types.ReasonInvalidAddress,
			"failed to derive token account").Wrap(err)
	}

	out, err := c.client.GetTokenAccountBalance(ctx, ata, c.commitment)
	if err != nil {
		if isAccountNotFound(err) {
			return &x402types.Balance{
				Address:  address,
				Currency: asset.Symbol,
				Amount:   decimal.Zero,
				Degraded: true,
			}, nil
		}
		return nil, classifyRPCError("get token balance", err)
	}
	if out == nil || out.Value == nil {
		return &x402types.Balance{Address: address, Currency: asset.Symbol, Amount: decimal.Zero, Degraded: true}, nil
	}

	units, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return nil, x402types.NewError(x402types.KindInternal, x402types.ReasonInvalidAmount,
			"unexpected token balance format").Wrap(err)
	}
	return &x402types.Balance{
		Address:  address,
		Currency: asset.Symbol,
		Amount:   utils.FromBaseUnits(units, asset.Decimals),
	}, nil
}

func (c *SolanaClient) TransferNative(ctx context.Context, req *x402types.TransferRequest) (string, error) {
	from, to, err := c.parties(req)
	if err != nil {
		return "", err
	}
	lamports, err := baseUnits(req)
	if err != nil {
		return "", err
	}

	instructions := []solana.Instruction{
		system.NewTransferInstruction(lamports, from, to).Build(),
	}
	if memo := memoInstruction(req.Annotation); memo != nil {
		instructions = append(instructions, memo)
	}
	return c.submit(ctx, from, instructions)
}

func (c *SolanaClient) TransferToken(ctx context.Context, req *x402types.TransferRequest) (string, error) {
	from, to, err := c.parties(req)
	if err != nil {
		return "", err
	}
	units, err := baseUnits(req)
	if err != nil {
		return "", err
	}
	mint, err := solana.PublicKeyFromBase58(req.Asset.Mint)
	if err != nil {
		return "", x402types.NewError(x402types.KindConfig, x402types.ReasonInvalidAddress,
			fmt.Sprintf("invalid mint for %s", req.Asset.Symbol)).Wrap(err)
	}

	source, _, err := solana.FindAssociatedTokenAddress(from, mint)
	if err != nil {
		return "", x402types.NewError(x402types.KindInternal, x402types.ReasonInvalidAddress,
			"failed to derive sender token account").Wrap(err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return "", x402types.NewError(x402types.KindInternal, x402types.ReasonInvalidAddress,
			"failed to derive recipient token account").Wrap(err)
	}

	exists, err := c.accountExists(ctx, destination)
	if err != nil {
		return "", err
	}

	var instructions []solana.Instruction
	if !exists {
		c.log.Info("provisioning recipient token account", map[string]interface{}{
			"recipient": to.String(),
			"account":   destination.String(),
			"mint":      mint.String(),
		})
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(from, to, mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferCheckedInstruction(units, uint8(req.Asset.Decimals), source, mint, destination, from, nil).Build(),
	)
	if memo := memoInstruction(req.Annotation); memo != nil {
		instructions = append(instructions, memo)
	}
	return c.submit(ctx, from, instructions)
}

func (c *SolanaClient) SignatureStatus(ctx context.Context, signature string) (bool, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, x402types.NewError(x402types.KindValidation, x402types.ReasonInvalidProof,
			"invalid transaction signature").Wrap(err)
	}
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	out, err := c.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, classifyRPCError("get signature status", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	status := out.Value[0]
	return status.Err == nil && c.reached(status.ConfirmationStatus), nil
}

// TransferredTo returns how much of asset the confirmed transaction moved to
// recipient. Zero means the transaction exists but pays someone else.
func (c *SolanaClient) TransferredTo(ctx context.Context, signature, recipient string, asset x402types.TokenInfo) (decimal.Decimal, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return decimal.Zero, x402types.NewError(x402types.KindValidation, x402types.ReasonInvalidProof,
			"invalid transaction signature").Wrap(err)
	}
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return decimal.Zero, c.ValidateAddress(recipient)
	}
	if err := c.wait(ctx); err != nil {
		return decimal.Zero, err
	}

	maxVersion := uint64(0)
	out, err := c.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, classifyRPCError("get transaction", err)
	}
	if out == nil || out.Transaction == nil {
		return decimal.Zero, nil
	}
	if out.Meta != nil && out.Meta.Err != nil {
		return decimal.Zero, nil
	}

	tx, err := solana.TransactionFromDecoder(binary.NewBinDecoder(out.Transaction.GetBinary()))
	if err != nil {
		return decimal.Zero, x402types.NewError(x402types.KindDecode, x402types.ReasonInvalidProof,
			"failed to decode transaction").Wrap(err)
	}

	units, err := amountPaidTo(tx, to, asset)
	if err != nil {
		return decimal.Zero, x402types.NewError(x402types.KindDecode, x402types.ReasonInvalidProof,
			"failed to decode transaction").Wrap(err)
	}
	return utils.FromBaseUnits(units, asset.Decimals), nil
}

func (c *SolanaClient) Close() {
	if err := c.client.Close(); err != nil {
		c.log.Warn("closing solana rpc client", map[string]interface{}{"error": err})
	}
}

func (c *SolanaClient) parties(req *x402types.TransferRequest) (solana.PublicKey, solana.PublicKey, error) {
	if c.signer == nil {
		return solana.PublicKey{}, solana.PublicKey{}, x402types.NewError(
			x402types.KindConfig,
			x402types.ReasonVaultNotConfigured,
			"vault wallet not configured",
		)
	}
	from := c.signer.PublicKey()
	if req.From != "" && req.From != from.String() {
		return solana.PublicKey{}, solana.PublicKey{}, x402types.NewError(
			x402types.KindValidation,
			x402types.ReasonInvalidAddress,
			"transfer source is not the vault",
		)
	}
	to, err := solana.PublicKeyFromBase58(req.To)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, c.ValidateAddress(req.To)
	}
	return from, to, nil
}

func baseUnits(req *x402types.TransferRequest) (uint64, error) {
	units, err := utils.ToBaseUnits(req.Amount, req.Asset.Decimals)
	if err != nil {
		return 0, x402types.NewError(x402types.KindValidation, x402types.ReasonInvalidAmount, err.Error()).Wrap(err)
	}
	if units == 0 {
		return 0, x402types.NewError(x402types.KindValidation, x402types.ReasonInvalidAmount,
			"amount must be greater than zero")
	}
	return units, nil
}

func memoInstruction(annotation []byte) solana.Instruction {
	if len(annotation) == 0 {
		return nil
	}
	return solana.NewInstruction(memoProgramID, solana.AccountMetaSlice{}, annotation)
}

func (c *SolanaClient) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	_, err := c.client.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err == nil {
		return true, nil
	}
	if isAccountNotFound(err) {
		return false, nil
	}
	return false, classifyRPCError("get account info", err)
}

// submit signs and sends the instructions, retrying once with a fresh
// blockhash when the first one was already stale, then waits for confirmation.
func (c *SolanaClient) submit(ctx context.Context, payer solana.PublicKey, instructions []solana.Instruction) (string, error) {
	var (
		sig solana.Signature
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		sig, err = c.send(ctx, payer, instructions)
		if err == nil {
			break
		}
		if attempt == 0 && x402types.HasReason(err, x402types.ReasonStaleBlockhash) {
			c.log.Warn("blockhash expired before submission, retrying with a fresh one", map[string]interface{}{
				"payer": payer.String(),
			})
			continue
		}
		return "", err
	}
	if err != nil {
		return "", err
	}

	if err := c.awaitConfirmation(ctx, sig); err != nil {
		return "", err
	}
	return sig.String(), nil
}

func (c *SolanaClient) send(ctx context.Context, payer solana.PublicKey, instructions []solana.Instruction) (solana.Signature, error) {
	if err := c.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	recent, err := c.client.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Signature{}, classifyRPCError("get latest blockhash", err)
	}
	if recent == nil || recent.Value == nil {
		return solana.Signature{}, x402types.NewError(x402types.KindLedgerUnavailable,
			x402types.ReasonNetworkUnreachable, "no recent blockhash returned")
	}

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, x402types.NewError(x402types.KindInternal,
			x402types.ReasonTransactionFailed, "failed to build transaction").Wrap(err)
	}
	if err := c.signer.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, x402types.NewError(x402types.KindInternal,
			x402types.ReasonTransactionFailed, "failed to sign transaction").Wrap(err)
	}

	if err := c.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		if deliveryUnknown(err) && len(tx.Signatures) > 0 {
			c.log.Warn("send failed after submission may have reached the node, polling for the outcome", map[string]interface{}{
				"signature": tx.Signatures[0].String(),
				"error":     err,
			})
			return tx.Signatures[0], nil
		}
		return solana.Signature{}, classifySendError(err)
	}
	return sig, nil
}

func (c *SolanaClient) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmation)
	defer cancel()

	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return x402types.NewError(
				x402types.KindConfirmationTimeout,
				x402types.ReasonNotConfirmed,
				fmt.Sprintf("transaction %s was submitted but not confirmed in time; outcome unknown", sig),
			).WithData(map[string]interface{}{
				"signature":    sig.String(),
				"explorer_url": c.network.ExplorerTxURL(sig.String()),
			}).Wrap(ctx.Err())
		case <-timer.C:
		}

		if err := c.wait(ctx); err == nil {
			out, err := c.client.GetSignatureStatuses(ctx, false, sig)
			switch {
			case err != nil:
				c.log.Debug("signature status poll failed", map[string]interface{}{
					"signature": sig.String(),
					"error":     err,
				})
			case out != nil && len(out.Value) > 0 && out.Value[0] != nil:
				status := out.Value[0]
				if status.Err != nil {
					return x402types.NewError(
						x402types.KindTransferRejected,
						x402types.ReasonTransactionFailed,
						fmt.Sprintf("transaction failed: %v", status.Err),
					).WithData(map[string]interface{}{"signature": sig.String()})
				}
				if c.reached(status.ConfirmationStatus) {
					return nil
				}
			}
		}
		timer.Reset(c.pollInterval)
	}
}

func (c *SolanaClient) reached(status rpc.ConfirmationStatusType) bool {
	if c.commitment == rpc.CommitmentFinalized {
		return status == rpc.ConfirmationStatusFinalized
	}
	return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
}

func (c *SolanaClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return x402types.NewError(
			x402types.KindLedgerUnavailable,
			x402types.ReasonRPCRateLimited,
			"local RPC request budget exhausted",
		).Wrap(err)
	}
	return nil
}

// amountPaidTo sums the transfers of asset to recipient in tx, in base units.
func amountPaidTo(tx *solana.Transaction, recipient solana.PublicKey, asset x402types.TokenInfo) (uint64, error) {
	var destination solana.PublicKey
	if asset.IsNative() {
		destination = recipient
	} else {
		mint, err := solana.PublicKeyFromBase58(asset.Mint)
		if err != nil {
			return 0, fmt.Errorf("invalid mint: %w", err)
		}
		destination, _, err = solana.FindAssociatedTokenAddress(recipient, mint)
		if err != nil {
			return 0, err
		}
	}

	var total uint64
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			return 0, fmt.Errorf("program index %d out of range", inst.ProgramIDIndex)
		}
		prog := tx.Message.AccountKeys[inst.ProgramIDIndex]

		accounts := make([]*solana.AccountMeta, len(inst.Accounts))
		for i, idx := range inst.Accounts {
			if int(idx) >= len(tx.Message.AccountKeys) {
				return 0, fmt.Errorf("account index %d out of range", idx)
			}
			pub := tx.Message.AccountKeys[idx]
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				return 0, err
			}
			accounts[i] = &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			}
		}

		switch {
		case asset.IsNative() && prog.Equals(solana.SystemProgramID):
			decoded, err := system.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			if transfer, ok := decoded.Impl.(*system.Transfer); ok && transfer.Lamports != nil &&
				len(accounts) > 1 && accounts[1].PublicKey.Equals(destination) {
				total += *transfer.Lamports
			}
		case !asset.IsNative() && prog.Equals(solana.TokenProgramID):
			decoded, err := token.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			switch transfer := decoded.Impl.(type) {
			case *token.TransferChecked:
				if transfer.Amount != nil && len(accounts) > 2 && accounts[2].PublicKey.Equals(destination) {
					total += *transfer.Amount
				}
			case *token.Transfer:
				if transfer.Amount != nil && len(accounts) > 1 && accounts[1].PublicKey.Equals(destination) {
					total += *transfer.Amount
				}
			}
		}
	}
	return total, nil
}
