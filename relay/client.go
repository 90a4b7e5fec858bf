package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/common"
	"github.com/vultisig/mpc-coordinator/mpc"
)

// Client talks to a relay server over HTTP. It implements Transport.
type Client struct {
	relayServer string
	client      http.Client
	logger      *logrus.Logger
}

var _ Transport = (*Client)(nil)

func NewRelayClient(relayServer string) *Client {
	return &Client{
		relayServer: relayServer,
		client: http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logrus.WithField("service", "relay-client").Logger,
	}
}

func (c *Client) bodyCloser(body io.ReadCloser) {
	if body != nil {
		if err := body.Close(); err != nil {
			c.logger.Error("Failed to close body,err:", err)
		}
	}
}

func (c *Client) do(req *http.Request, wantStatus int) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if resp.StatusCode != wantStatus {
		c.bodyCloser(resp.Body)
		return nil, fmt.Errorf("%w: unexpected status %s", ErrTransportUnavailable, resp.Status)
	}
	return resp, nil
}

// RegisterSessionWithRetry registers with a short bounded backoff. This is
// the only retry the transport layer performs.
func (c *Client) RegisterSessionWithRetry(ctx context.Context, sessionID string, key string) error {
	for i := 0; i < 3; i++ {
		if err := c.RegisterSession(ctx, sessionID, key); err != nil {
			c.logger.WithFields(logrus.Fields{
				"session": sessionID,
				"key":     key,
				"error":   err,
				"attempt": i,
			}).Error("Failed to register session")
			time.Sleep(100 * time.Millisecond)
		} else {
			return nil
		}
	}
	return fmt.Errorf("%w: fail to register session after 3 retries", ErrTransportUnavailable)
}

func (c *Client) RegisterSession(ctx context.Context, sessionID string, key string) error {
	sessionURL := c.relayServer + "/" + sessionID
	body, err := json.Marshal([]string{key})
	if err != nil {
		return fmt.Errorf("fail to register session: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"session": sessionID,
		"key":     key,
	}).Info("Registering session")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fail to register session: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req, http.StatusCreated)
	if err != nil {
		return fmt.Errorf("fail to register session: %w", err)
	}
	c.bodyCloser(resp.Body)
	return nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) ([]string, error) {
	sessionURL := c.relayServer + "/" + sessionID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to get session: %w", err)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("fail to get session: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	var parties []string
	if err := json.NewDecoder(resp.Body).Decode(&parties); err != nil {
		return nil, fmt.Errorf("fail to unmarshal session body: %w", err)
	}
	return parties, nil
}

func (c *Client) StartSession(ctx context.Context, sessionID string, parties []string) error {
	sessionURL := c.relayServer + "/start/" + sessionID
	body, err := json.Marshal(parties)
	if err != nil {
		return fmt.Errorf("fail to start session: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fail to start session: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return fmt.Errorf("fail to start session: %w", err)
	}
	c.bodyCloser(resp.Body)
	return nil
}

func (c *Client) WaitForSessionStart(ctx context.Context, sessionID string) ([]string, error) {
	sessionURL := c.relayServer + "/start/" + sessionID
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
			if err != nil {
				return nil, fmt.Errorf("fail to get session: %w", err)
			}
			resp, err := c.do(req, http.StatusOK)
			if err != nil {
				return nil, fmt.Errorf("fail to get session: %w", err)
			}
			var parties []string
			buff, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("fail to read session body: %w", err)
			}
			c.bodyCloser(resp.Body)
			if err := json.Unmarshal(buff, &parties); err != nil {
				return nil, fmt.Errorf("fail to unmarshal session body: %w", err)
			}
			// an empty list means nobody started the session yet
			if len(parties) > 1 {
				c.logger.WithFields(logrus.Fields{
					"session": sessionID,
					"parties": parties,
				}).Info("Session started")
				return parties, nil
			}

			c.logger.WithFields(logrus.Fields{
				"session": sessionID,
			}).Info("Waiting for someone to start session")

			// backoff
			time.Sleep(time.Second)
		}
	}
}

func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("fail to marshal message: %w", err)
	}
	url := fmt.Sprintf("%s/message/%s", c.relayServer, msg.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("fail to send message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.MessageID != "" {
		req.Header.Set("message_id", msg.MessageID)
	}
	resp, err := c.do(req, http.StatusAccepted)
	if err != nil {
		return fmt.Errorf("fail to send message: %w", err)
	}
	c.bodyCloser(resp.Body)
	return nil
}

func (c *Client) DownloadMessages(ctx context.Context, sessionID, partyID, messageID string) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.relayServer+"/message/"+sessionID+"/"+partyID, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to create request: %w", err)
	}
	if messageID != "" {
		req.Header.Add("message_id", messageID)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("fail to get data from server: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	var messages []Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		if err != io.EOF {
			c.logger.Error("fail to decode messages", "error", err)
		}
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].SequenceNo < messages[j].SequenceNo
	})
	return messages, nil
}

func (c *Client) DeleteMessage(ctx context.Context, sessionID, partyID, hash, messageID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.relayServer+"/message/"+sessionID+"/"+partyID+"/"+hash, nil)
	if err != nil {
		return fmt.Errorf("fail to delete message: %w", err)
	}
	if messageID != "" {
		req.Header.Add("message_id", messageID)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return fmt.Errorf("fail to delete message: %w", err)
	}
	c.bodyCloser(resp.Body)
	return nil
}

func (c *Client) UploadSetupMessage(ctx context.Context, sessionID, messageID, payload string) error {
	sessionURL := c.relayServer + "/setup-message/" + sessionID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, bytes.NewReader([]byte(payload)))
	if err != nil {
		return fmt.Errorf("fail to upload setup message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if messageID != "" {
		req.Header.Add("message_id", messageID)
	}
	resp, err := c.do(req, http.StatusCreated)
	if err != nil {
		return fmt.Errorf("fail to upload setup message: %w", err)
	}
	c.bodyCloser(resp.Body)
	return nil
}

func (c *Client) WaitForSetupMessage(ctx context.Context, sessionID, messageID string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
			payload, err := c.GetSetupMessage(ctx, sessionID, messageID)
			if err == nil && payload != "" {
				return payload, nil
			}
			c.logger.Debugf("setup message is not ready: %v", err)
			time.Sleep(time.Second)
		}
	}
}

func (c *Client) GetSetupMessage(ctx context.Context, sessionID, messageID string) (string, error) {
	sessionURL := c.relayServer + "/setup-message/" + sessionID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return "", fmt.Errorf("fail to get setup message: %w", err)
	}
	if messageID != "" {
		req.Header.Add("message_id", messageID)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return "", fmt.Errorf("fail to get setup message: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fail to read setup message: %w", err)
	}
	return string(result), nil
}

func (c *Client) CompleteSession(ctx context.Context, sessionID, localPartyID string) error {
	sessionURL := c.relayServer + "/complete/" + sessionID
	body, err := json.Marshal([]string{localPartyID})
	if err != nil {
		return fmt.Errorf("fail to complete session: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fail to complete session: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return fmt.Errorf("fail to complete session: %w", err)
	}
	c.bodyCloser(resp.Body)
	return nil
}

func (c *Client) CheckCompletedParties(ctx context.Context, sessionID string, partiesJoined []string) (bool, error) {
	sessionURL := c.relayServer + "/complete/" + sessionID
	start := time.Now()
	timeout := time.Minute

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
		if err != nil {
			return false, fmt.Errorf("fail to check completed parties: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.do(req, http.StatusOK)
		if err != nil {
			return false, fmt.Errorf("fail to check completed parties: %w", err)
		}
		result, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, fmt.Errorf("fail to fetch request: %w", err)
		}
		c.bodyCloser(resp.Body)

		if len(result) > 0 {
			var peers []string
			if err := json.Unmarshal(result, &peers); err != nil {
				c.logger.WithFields(logrus.Fields{
					"error": err,
				}).Error("Failed to decode response to JSON")
				continue
			}
			if common.IsSubset(partiesJoined, peers) {
				c.logger.Info("All parties have completed the ceremony successfully")
				return true, nil
			}
		}

		time.Sleep(time.Second)
		if time.Since(start) >= timeout {
			break
		}
	}

	return false, nil
}

func (c *Client) MarkKeysignComplete(ctx context.Context, sessionID string, messageID string, sig mpc.Signature) error {
	sessionURL := c.relayServer + "/complete/" + sessionID + "/keysign"
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("fail to marshal signature to json: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("fail to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("message_id", messageID)
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return fmt.Errorf("fail to mark keysign complete: %w", err)
	}
	c.bodyCloser(resp.Body)
	return nil
}

func (c *Client) CheckKeysignComplete(ctx context.Context, sessionID string, messageID string) (*mpc.Signature, error) {
	sessionURL := c.relayServer + "/complete/" + sessionID + "/keysign"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("message_id", messageID)
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("fail to check keysign complete: %w", err)
	}
	defer c.bodyCloser(resp.Body)
	var sig mpc.Signature
	if err := json.NewDecoder(resp.Body).Decode(&sig); err != nil {
		return nil, fmt.Errorf("fail to unmarshal signature: %w", err)
	}
	return &sig, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	sessionURL := c.relayServer + "/" + sessionID
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, sessionURL, nil)
	if err != nil {
		return fmt.Errorf("fail to end session: %w", err)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return fmt.Errorf("fail to end session: %w", err)
	}
	c.bodyCloser(resp.Body)
	return nil
}
