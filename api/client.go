package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/internal/tasks"
	"github.com/vultisig/mpc-coordinator/internal/types"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/worker"
)

// Client talks to a fast-vault server. The CLI uses it to enroll the server
// as a co-signer and to poll for signing results; share lookups map the
// server's status codes back to the keyshare sentinels.
type Client struct {
	baseURL string
	client  http.Client
	logger  *logrus.Logger
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logrus.WithField("service", "api-client").Logger,
	}
}

func (c *Client) bodyCloser(body io.ReadCloser) {
	if body != nil {
		if err := body.Close(); err != nil {
			c.logger.Error("Failed to close body,err:", err)
		}
	}
}

func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("fail to ping server: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fail to ping server: %w", err)
	}
	c.bodyCloser(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fail to ping server: unexpected status %s", resp.Status)
	}
	return nil
}

// CreateVault asks the server to join the keygen ceremony the request names.
// The server acknowledges before the ceremony runs; completion is observed on
// the relay like any other party's.
func (c *Client) CreateVault(ctx context.Context, vaultReq types.VaultCreateRequest) error {
	body, err := json.Marshal(vaultReq)
	if err != nil {
		return fmt.Errorf("fail to create vault: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vault/create", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fail to create vault: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fail to create vault: %w", err)
	}
	c.bodyCloser(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fail to create vault: unexpected status %s", resp.Status)
	}
	return nil
}

// SignMessages submits a co-signing request and returns the task id to poll.
// An empty id means the session was already submitted within the dedup
// window.
func (c *Client) SignMessages(ctx context.Context, signReq types.KeysignRequest) (string, error) {
	body, err := json.Marshal(signReq)
	if err != nil {
		return "", fmt.Errorf("fail to sign messages: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vault/sign", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fail to sign messages: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fail to sign messages: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fail to sign messages: unexpected status %s", resp.Status)
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fail to read sign response: %w", err)
	}
	if len(buf) == 0 {
		return "", nil
	}
	var taskID string
	if err := json.Unmarshal(buf, &taskID); err != nil {
		return "", fmt.Errorf("fail to unmarshal task id: %w", err)
	}
	return taskID, nil
}

// KeysignResult polls one signing task. While the worker is still in the
// ceremony it returns tasks.ErrTaskInProgress.
func (c *Client) KeysignResult(ctx context.Context, taskID string) (*worker.KeySignTaskResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/vault/sign/response/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("fail to get keysign result: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fail to get keysign result: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil, tasks.ErrTaskInProgress
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("fail to get keysign result: unexpected status %s", resp.Status)
	}
	var result worker.KeySignTaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("fail to unmarshal keysign result: %w", err)
	}
	return &result, nil
}

// WaitForKeysignResult polls until the task completes or the context ends.
func (c *Client) WaitForKeysignResult(ctx context.Context, taskID string) (*worker.KeySignTaskResult, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			result, err := c.KeysignResult(ctx, taskID)
			if err == nil {
				return result, nil
			}
			if !errors.Is(err, tasks.ErrTaskInProgress) {
				return nil, err
			}
			time.Sleep(time.Second)
		}
	}
}

// GetVault fetches vault metadata. The password must open the server's
// share; a refusal maps to keyshare.ErrPasswordDenied and an unknown vault
// to keyshare.ErrNotFound.
func (c *Client) GetVault(ctx context.Context, vaultID, password string) (*types.VaultGetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/vault/get/"+url.PathEscape(vaultID), nil)
	if err != nil {
		return nil, fmt.Errorf("fail to get vault: %w", err)
	}
	req.Header.Set("x-password", base64.StdEncoding.EncodeToString([]byte(password)))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fail to get vault: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, keyshare.ErrNotFound
	case http.StatusForbidden:
		return nil, keyshare.ErrPasswordDenied
	default:
		return nil, fmt.Errorf("fail to get vault: unexpected status %s", resp.Status)
	}
	var vault types.VaultGetResponse
	if err := json.NewDecoder(resp.Body).Decode(&vault); err != nil {
		return nil, fmt.Errorf("fail to unmarshal vault: %w", err)
	}
	return &vault, nil
}

// ExistVault reports whether the server holds a share for the vault.
func (c *Client) ExistVault(ctx context.Context, vaultID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/vault/exist/"+url.PathEscape(vaultID), nil)
	if err != nil {
		return false, fmt.Errorf("fail to check vault: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fail to check vault: %w", err)
	}
	c.bodyCloser(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusBadRequest:
		return false, nil
	default:
		return false, fmt.Errorf("fail to check vault: unexpected status %s", resp.Status)
	}
}

// DownloadVault fetches the sealed backup file for import on a device.
func (c *Client) DownloadVault(ctx context.Context, vaultID, password string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/vault/download/"+url.PathEscape(vaultID), nil)
	if err != nil {
		return nil, fmt.Errorf("fail to download vault: %w", err)
	}
	req.Header.Set("x-password", base64.StdEncoding.EncodeToString([]byte(password)))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fail to download vault: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, keyshare.ErrNotFound
	case http.StatusForbidden:
		return nil, keyshare.ErrPasswordDenied
	default:
		return nil, fmt.Errorf("fail to download vault: unexpected status %s", resp.Status)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fail to read vault backup: %w", err)
	}
	return content, nil
}

// Balance reports the native-token balance of the vault's address on chain.
func (c *Client) Balance(ctx context.Context, vaultID, chain string) (*types.BalanceResponse, error) {
	u := c.baseURL + "/vault/balance/" + url.PathEscape(vaultID) + "?chain=" + url.QueryEscape(chain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to get balance: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fail to get balance: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, registry.ErrNotFound
	default:
		return nil, fmt.Errorf("fail to get balance: unexpected status %s", resp.Status)
	}
	var balance types.BalanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&balance); err != nil {
		return nil, fmt.Errorf("fail to unmarshal balance: %w", err)
	}
	return &balance, nil
}

// AdminToken exchanges the admin credentials for a bearer token.
func (c *Client) AdminToken(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(adminLoginRequest{Username: username, Password: password})
	if err != nil {
		return "", fmt.Errorf("fail to get admin token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/admin/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fail to get admin token: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fail to get admin token: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fail to get admin token: unexpected status %s", resp.Status)
	}
	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("fail to unmarshal admin token: %w", err)
	}
	return token.Token, nil
}

// DeleteVault removes the vault's share and registry row through the admin
// endpoint.
func (c *Client) DeleteVault(ctx context.Context, vaultID, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/admin/vault/"+url.PathEscape(vaultID), nil)
	if err != nil {
		return fmt.Errorf("fail to delete vault: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fail to delete vault: %w", err)
	}
	c.bodyCloser(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fail to delete vault: unexpected status %s", resp.Status)
	}
	return nil
}
