package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ClientConfig contains chain gateway configuration.
type ClientConfig struct {
	BaseURL             string        `json:"base_url"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	ConfirmationTimeout time.Duration `json:"confirmation_timeout"`
	PollInterval        time.Duration `json:"poll_interval"`
	ContractAddress     string        `json:"contract_address"`
}

// DefaultClientConfig returns default gateway configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout:      30 * time.Second,
		ConfirmationTimeout: 5 * time.Minute,
		PollInterval:        10 * time.Second,
	}
}

// Client talks to the chain gateway over HTTP. Submissions return a pending
// transaction which the client polls until confirmed or the confirmation
// timeout elapses.
type Client struct {
	httpClient *http.Client
	config     ClientConfig
	logger     *zap.Logger
}

// ErrTimeout marks an oracle call that ran out of time. A lost response does
// not imply the remote operation did not occur; callers must reconcile via
// FindReceipt or FindTransferReceipt before retrying a submission.
var ErrTimeout = errors.New("oracle: call timed out")

// NewClient creates a new chain gateway client.
func NewClient(config ClientConfig, logger *zap.Logger) *Client {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	if config.ConfirmationTimeout == 0 {
		config.ConfirmationTimeout = DefaultClientConfig().ConfirmationTimeout
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultClientConfig().PollInterval
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		config:     config,
		logger:     logger,
	}
}

type submitResponse struct {
	TransactionHash string `json:"transaction_hash"`
	CreditID        string `json:"credit_id,omitempty"`
	Successful      bool   `json:"successful"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

type transactionResponse struct {
	Hash        string     `json:"hash"`
	Successful  bool       `json:"successful"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ResultCode  string     `json:"result_code,omitempty"`
}

func (c *Client) Mint(ctx context.Context, req MintRequest) (*Receipt, error) {
	var resp submitResponse
	if err := c.post(ctx, "/v1/mint", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Successful {
		return nil, fmt.Errorf("oracle: mint rejected: %s", resp.ErrorMessage)
	}

	confirmedAt, err := c.waitForConfirmation(ctx, resp.TransactionHash)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		TransactionHash: resp.TransactionHash,
		CreditID:        resp.CreditID,
		ContractAddress: c.config.ContractAddress,
		ConfirmedAt:     confirmedAt,
	}, nil
}

func (c *Client) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	var resp submitResponse
	if err := c.post(ctx, "/v1/transfer", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Successful {
		return nil, fmt.Errorf("oracle: transfer rejected: %s", resp.ErrorMessage)
	}

	confirmedAt, err := c.waitForConfirmation(ctx, resp.TransactionHash)
	if err != nil {
		return nil, err
	}

	return &TransferReceipt{
		TransactionHash: resp.TransactionHash,
		ConfirmedAt:     confirmedAt,
	}, nil
}

func (c *Client) Verify(ctx context.Context, chainCreditID string) (*VerificationResult, error) {
	var result VerificationResult
	if err := c.get(ctx, "/v1/credits/"+chainCreditID+"/verification", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) FindReceipt(ctx context.Context, idempotencyKey string) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/v1/receipts/"+idempotencyKey, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to build receipt request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: receipt lookup returned %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("oracle: failed to decode receipt: %w", err)
	}
	return &receipt, nil
}

func (c *Client) FindTransferReceipt(ctx context.Context, idempotencyKey string) (*TransferReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/v1/transfer-receipts/"+idempotencyKey, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to build transfer receipt request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: transfer receipt lookup returned %d", resp.StatusCode)
	}

	var receipt TransferReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("oracle: failed to decode transfer receipt: %w", err)
	}
	return &receipt, nil
}

// waitForConfirmation polls the gateway until the transaction is confirmed on
// the ledger or the confirmation timeout elapses.
func (c *Client) waitForConfirmation(ctx context.Context, txHash string) (time.Time, error) {
	deadline := time.Now().Add(c.config.ConfirmationTimeout)
	for {
		var tx transactionResponse
		if err := c.get(ctx, "/v1/transactions/"+txHash, &tx); err != nil {
			return time.Time{}, err
		}

		if tx.Confirmed {
			if !tx.Successful {
				return time.Time{}, fmt.Errorf("oracle: transaction %s failed: %s", txHash, tx.ResultCode)
			}
			if tx.ConfirmedAt != nil {
				return *tx.ConfirmedAt, nil
			}
			return time.Now(), nil
		}

		if time.Now().After(deadline) {
			c.logger.Warn("oracle confirmation timed out",
				zap.String("tx_hash", txHash),
				zap.Duration("timeout", c.config.ConfirmationTimeout))
			return time.Time{}, fmt.Errorf("confirmation of %s: %w", txHash, ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return time.Time{}, fmt.Errorf("confirmation of %s: %w", txHash, ErrTimeout)
		case <-time.After(c.config.PollInterval):
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("oracle: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("oracle: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("oracle: failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle: %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oracle: failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) wrapTransportError(err error) error {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("oracle: request failed: %w", err)
}
