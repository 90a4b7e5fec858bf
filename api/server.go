// Package api exposes the fast-vault server over HTTP: a client device
// announces a ceremony on the relay, then asks this server to take part as
// the always-on co-signer. Requests only enqueue work; the ceremonies
// themselves run in the asynq worker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
	"github.com/vultisig/mobile-tss-lib/tss"

	"github.com/vultisig/mpc-coordinator/broadcast"
	"github.com/vultisig/mpc-coordinator/common"
	"github.com/vultisig/mpc-coordinator/internal/tasks"
	"github.com/vultisig/mpc-coordinator/internal/types"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/service"
	"github.com/vultisig/mpc-coordinator/txcodec"
)

// Cache is the slice of redis the server needs: short-lived dedup markers
// keyed by session id.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiry time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Server struct {
	port         int64
	redis        Cache
	client       *asynq.Client
	inspector    *asynq.Inspector
	sdClient     *statsd.Client
	logger       *logrus.Logger
	blob         keyshare.Blob
	shares       keyshare.Store
	vaults       registry.Registry
	codecs       *txcodec.Set
	broadcasters *broadcast.Set
	authService  *service.AuthService
	adminUser    string
	adminPass    string
}

// NewServer returns a new server. The share store is derived from blob so
// the handlers and the download endpoint always see the same bytes.
func NewServer(
	port int64,
	redis Cache,
	client *asynq.Client,
	inspector *asynq.Inspector,
	sdClient *statsd.Client,
	blob keyshare.Blob,
	vaults registry.Registry,
	codecs *txcodec.Set,
	broadcasters *broadcast.Set,
	jwtSecret string,
	adminUser, adminPass string,
) *Server {
	if codecs == nil {
		codecs = txcodec.NewSet()
	}
	if broadcasters == nil {
		broadcasters = broadcast.NewSet()
	}
	return &Server{
		port:         port,
		redis:        redis,
		client:       client,
		inspector:    inspector,
		sdClient:     sdClient,
		logger:       logrus.WithField("service", "api").Logger,
		blob:         blob,
		shares:       keyshare.NewBlockStore(blob),
		vaults:       vaults,
		codecs:       codecs,
		broadcasters: broadcasters,
		authService:  service.NewAuthService(jwtSecret),
		adminUser:    adminUser,
		adminPass:    adminPass,
	}
}

func (s *Server) StartServer() error {
	e := s.Router()
	return e.Start(fmt.Sprintf(":%d", s.port))
}

// Router builds the echo instance with all routes and middleware; split out
// from StartServer so tests can drive it without binding a port.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.Logger.SetLevel(log.DEBUG)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 5, Burst: 30, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))

	e.GET("/ping", s.Ping)
	e.GET("/getDerivedPublicKey", s.GetDerivedPublicKey)

	grp := e.Group("/vault")
	grp.POST("/create", s.CreateVault)
	grp.POST("/sign", s.SignMessages)                     // co-sign a prepared transaction
	grp.GET("/sign/response/:taskId", s.GetKeysignResult) // poll for the signatures
	grp.GET("/get/:vaultID", s.GetVault)
	grp.GET("/exist/:vaultID", s.ExistVault)
	grp.GET("/download/:vaultID", s.DownloadVault) // sealed backup, mobile-importable
	grp.GET("/balance/:vaultID", s.Balance)

	admin := e.Group("/admin")
	admin.POST("/token", s.AdminToken)
	admin.POST("/token/refresh", s.RefreshAdminToken)
	admin.DELETE("/vault/:vaultID", s.DeleteVault, s.AuthMiddleware)

	return e
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "mpc coordinator is running")
}

// GetDerivedPublicKey is a handler to get the derived public key
func (s *Server) GetDerivedPublicKey(c echo.Context) error {
	publicKey := c.QueryParam("publicKey")
	if publicKey == "" {
		return fmt.Errorf("publicKey is required")
	}
	hexChainCode := c.QueryParam("hexChainCode")
	if hexChainCode == "" {
		return fmt.Errorf("hexChainCode is required")
	}
	derivePath := c.QueryParam("derivePath")
	if derivePath == "" {
		return fmt.Errorf("derivePath is required")
	}
	isEdDSA := c.QueryParam("isEdDSA") == "true"

	derivedPublicKey, err := tss.GetDerivedPubKey(publicKey, hexChainCode, derivePath, isEdDSA)
	if err != nil {
		return fmt.Errorf("fail to get derived public key from tss, err: %w", err)
	}

	return c.JSON(http.StatusOK, derivedPublicKey)
}

// CreateVault accepts a keygen invitation for a session the client has
// already announced and hands it to the worker. Repeats of the same session
// within the dedup window are acknowledged without a second task.
func (s *Server) CreateVault(c echo.Context) error {
	var req types.VaultCreateRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("fail to parse request, err: %w", err)
	}
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid request, err: %w", err)
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("fail to marshal to json, err: %w", err)
	}
	if err := s.sdClient.Count("vault.create", 1, nil, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}

	result, err := s.redis.Get(c.Request().Context(), req.SessionID)
	if err == nil && result != "" {
		return c.NoContent(http.StatusOK)
	}
	if err := s.redis.Set(c.Request().Context(), req.SessionID, req.SessionID, 5*time.Minute); err != nil {
		s.logger.Errorf("fail to set session, err: %v", err)
	}

	_, err = s.client.Enqueue(asynq.NewTask(tasks.TypeKeyGeneration, buf),
		asynq.MaxRetry(-1),
		asynq.Timeout(7*time.Minute),
		asynq.Retention(10*time.Minute),
		asynq.Queue(tasks.QUEUE_NAME))
	if err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return c.NoContent(http.StatusOK)
}

// SignMessages verifies the vault password opens the server's share before
// anything is enqueued, so a wrong password fails fast instead of aborting a
// live ceremony. Returns the task id to poll.
func (s *Server) SignMessages(c echo.Context) error {
	var req types.KeysignRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("fail to parse request, err: %w", err)
	}
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid request, err: %w", err)
	}
	if err := s.sdClient.Count("vault.sign", 1, nil, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}

	result, err := s.redis.Get(c.Request().Context(), req.SessionID)
	if err == nil && result != "" {
		return c.NoContent(http.StatusOK)
	}
	if err := s.redis.Set(c.Request().Context(), req.SessionID, req.SessionID, 30*time.Minute); err != nil {
		s.logger.Errorf("fail to set session, err: %v", err)
	}

	share, err := s.shares.Get(c.Request().Context(), req.VaultID, req.VaultPassword)
	if err != nil {
		if errors.Is(err, keyshare.ErrNotFound) || errors.Is(err, keyshare.ErrPasswordDenied) {
			return c.NoContent(http.StatusBadRequest)
		}
		return fmt.Errorf("fail to read share in SignMessages, err: %w", err)
	}
	if share.PublicKeyECDSA != req.PublicKey {
		s.logger.Warnf("public key mismatch for vault %s", req.VaultID)
		return c.NoContent(http.StatusBadRequest)
	}

	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("fail to marshal to json, err: %w", err)
	}
	ti, err := s.client.EnqueueContext(c.Request().Context(),
		asynq.NewTask(tasks.TypeKeySign, buf),
		asynq.MaxRetry(-1),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(5*time.Minute),
		asynq.Queue(tasks.QUEUE_NAME))
	if err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}

	return c.JSON(http.StatusOK, ti.ID)
}

// GetKeysignResult is a handler to get the keysign response
func (s *Server) GetKeysignResult(c echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	result, err := tasks.GetTaskResult(s.inspector, taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskInProgress) {
			return c.JSON(http.StatusAccepted, err.Error())
		}
		return err
	}

	return c.JSONBlob(http.StatusOK, result)
}

// GetVault returns vault metadata. The x-password header must open the
// server's share; key material itself is never returned.
func (s *Server) GetVault(c echo.Context) error {
	vaultID := c.Param("vaultID")
	if !isValidVaultID(vaultID) {
		return c.NoContent(http.StatusBadRequest)
	}
	passwd, err := s.extractXPassword(c)
	if err != nil {
		return fmt.Errorf("fail to extract password, err: %w", err)
	}

	share, err := s.shares.Get(c.Request().Context(), vaultID, passwd)
	if err != nil {
		if errors.Is(err, keyshare.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		if errors.Is(err, keyshare.ErrPasswordDenied) {
			return c.NoContent(http.StatusForbidden)
		}
		return fmt.Errorf("fail to read share in GetVault, err: %w", err)
	}

	resp := types.VaultGetResponse{
		Name:           share.VaultName,
		VaultID:        vaultID,
		PublicKeyECDSA: share.PublicKeyECDSA,
		PublicKeyEdDSA: share.PublicKeyEdDSA,
		HexChainCode:   share.HexChainCode,
		LocalPartyID:   share.LocalPartyID,
		Signers:        share.Signers,
		CreatedAt:      share.CreatedAt,
	}
	// committee sizing lives in the registry, not the share
	if vault, err := s.vaults.Find(c.Request().Context(), vaultID); err == nil {
		resp.Threshold = vault.Threshold
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) ExistVault(c echo.Context) error {
	vaultID := c.Param("vaultID")
	if !isValidVaultID(vaultID) {
		return c.NoContent(http.StatusBadRequest)
	}
	exist, err := s.shares.Exists(c.Request().Context(), vaultID)
	if err != nil || !exist {
		return c.NoContent(http.StatusBadRequest)
	}
	return c.NoContent(http.StatusOK)
}

// DownloadVault streams the sealed backup file. Clients import it on a
// device to replace the server party; the password check proves the caller
// can open it before any bytes leave.
func (s *Server) DownloadVault(c echo.Context) error {
	vaultID := c.Param("vaultID")
	if !isValidVaultID(vaultID) {
		return c.NoContent(http.StatusBadRequest)
	}
	passwd, err := s.extractXPassword(c)
	if err != nil {
		return fmt.Errorf("fail to extract password, err: %w", err)
	}
	share, err := s.shares.Get(c.Request().Context(), vaultID, passwd)
	if err != nil {
		if errors.Is(err, keyshare.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		if errors.Is(err, keyshare.ErrPasswordDenied) {
			return c.NoContent(http.StatusForbidden)
		}
		return fmt.Errorf("fail to read share in DownloadVault, err: %w", err)
	}
	content, err := s.blob.GetFile(c.Request().Context(), keyshare.Filename(vaultID))
	if err != nil {
		return fmt.Errorf("fail to read file in DownloadVault, err: %w", err)
	}
	filename := common.GetVaultName(share.VaultName, share.PublicKeyECDSA, share.LocalPartyID, share.Signers)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, "application/octet-stream", content)
}

// Balance reports the native-token balance of the vault's address on the
// requested chain.
func (s *Server) Balance(c echo.Context) error {
	vaultID := c.Param("vaultID")
	if !isValidVaultID(vaultID) {
		return c.NoContent(http.StatusBadRequest)
	}
	chain := c.QueryParam("chain")
	if chain == "" {
		return fmt.Errorf("chain is required")
	}
	codec, err := s.codecs.ForChain(chain)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	broadcaster, err := s.broadcasters.ForChain(chain)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	vault, err := s.vaults.Find(c.Request().Context(), vaultID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		return fmt.Errorf("fail to find vault, err: %w", err)
	}
	address, err := codec.AddressFromPublicKey(vault.PublicKeyECDSA)
	if err != nil {
		return fmt.Errorf("fail to derive address, err: %w", err)
	}
	balance, err := broadcaster.Balance(c.Request().Context(), address)
	if err != nil {
		return fmt.Errorf("fail to get balance, err: %w", err)
	}
	return c.JSON(http.StatusOK, types.BalanceResponse{
		Chain:   chain,
		Address: address,
		Balance: balance.String(),
	})
}

// DeleteVault removes the share and the registry row. Idempotent; protected
// by the admin token.
func (s *Server) DeleteVault(c echo.Context) error {
	vaultID := c.Param("vaultID")
	if !isValidVaultID(vaultID) {
		return c.NoContent(http.StatusBadRequest)
	}
	s.logger.Infof("removing vault %s per admin request", vaultID)
	if err := s.shares.Delete(c.Request().Context(), vaultID); err != nil {
		return fmt.Errorf("fail to remove share, err: %w", err)
	}
	if err := s.vaults.Remove(c.Request().Context(), vaultID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("fail to remove vault, err: %w", err)
	}
	return c.NoContent(http.StatusOK)
}
