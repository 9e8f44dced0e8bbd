// Package cloud is the cloud drive backend. A client attaches with its
// OAuth client credentials, authenticates with the code from the consent
// page and then reaches the drive through an rclone remote.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/oauth2"

	// Registers the "drive" remote type with rclone.
	_ "github.com/rclone/rclone/backend/drive"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/dispatch"
	"github.com/nuln/sboxd/engine/rclone"
	"github.com/nuln/sboxd/fileops"
	"github.com/nuln/sboxd/internal/logger"
	"github.com/nuln/sboxd/session"
)

// Name is the storage type this backend serves.
const Name = "cloud"

func init() {
	sboxd.Register(Name, func(cfg *sboxd.Config) (sboxd.Provider, error) {
		return New(cfg)
	})
}

// Default OAuth settings, those of the Google Drive API.
const (
	DefaultAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultRedirectURL = "http://127.0.0.1:53682/"
	DefaultScope       = "https://www.googleapis.com/auth/drive"
	DefaultRemote      = "drive"
)

// Options are the driver options under providers.cloud.options.
type Options struct {
	AuthURL     string   `mapstructure:"auth_url"`
	TokenURL    string   `mapstructure:"token_url"`
	RedirectURL string   `mapstructure:"redirect_url"`
	Scopes      []string `mapstructure:"scopes"`

	// Remote is the rclone backend type, Root the folder under it.
	Remote string `mapstructure:"remote"`
	Root   string `mapstructure:"root"`
}

// AttachParams are the parameters of Attach.
type AttachParams struct {
	ClientID     string `mapstructure:"clientId" validate:"required"`
	ClientSecret string `mapstructure:"clientSecret" validate:"required"`
}

// AuthenticateParams are the parameters of Authenticate.
type AuthenticateParams struct {
	fileops.DriveParams `mapstructure:",squash"`
	SecretToken         string `mapstructure:"secretToken" validate:"required"`
}

// ExchangeFunc trades an authorization code for a token.
type ExchangeFunc func(ctx context.Context, conf *oauth2.Config, code string) (*oauth2.Token, error)

// EngineFunc opens the drive of an authenticated account.
type EngineFunc func(ctx context.Context, conf *oauth2.Config, token *oauth2.Token) (sboxd.StorageEngine, error)

type account struct {
	conf   *oauth2.Config
	token  *oauth2.Token
	engine sboxd.StorageEngine
}

// Provider serves cloud drives, one per OAuth client id.
type Provider struct {
	*dispatch.Dispatcher
	opts      Options
	accounts  *session.Registry[*account]
	exchange  ExchangeFunc
	newEngine EngineFunc
}

// New decodes cfg.Options and reaches the drive through rclone.
func New(cfg *sboxd.Config) (*Provider, error) {
	var opts Options
	if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
		return nil, fmt.Errorf("cloud: invalid options: %w", err)
	}
	return NewWith(cfg, opts, exchange, opts.openRemote), nil
}

func exchange(ctx context.Context, conf *oauth2.Config, code string) (*oauth2.Token, error) {
	return conf.Exchange(ctx, code)
}

// NewWith builds the provider over the given exchange and engine
// functions.
func NewWith(cfg *sboxd.Config, opts Options, exchange ExchangeFunc, newEngine EngineFunc) *Provider {
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.RedirectURL == "" {
		opts.RedirectURL = DefaultRedirectURL
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{DefaultScope}
	}
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	p := &Provider{
		opts:      opts,
		accounts:  session.New[*account](),
		exchange:  exchange,
		newEngine: newEngine,
	}

	ops := &fileops.Ops{
		Backend:          Name,
		Locate:           fileops.Route(Name, p.Locate, cfg.Locator),
		ProgressInterval: cfg.ProgressInterval,
		Translate:        Translate,
		Metrics:          cfg.Metrics,
	}
	handlers := ops.Handlers()
	handlers[sboxd.OpListStorages] = p.listStorages
	handlers[sboxd.OpAttach] = p.attach
	handlers[sboxd.OpAuthenticate] = p.authenticate
	handlers[sboxd.OpEject] = dispatch.NotSupported
	handlers[sboxd.OpFormat] = dispatch.NotSupported
	handlers[sboxd.OpExtra] = dispatch.NotSupported

	p.Dispatcher = dispatch.New(Name, handlers, dispatch.Options{
		Translate: Translate,
		Metrics:   cfg.Metrics,
	})
	return p
}

func (o Options) oauth(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  o.AuthURL,
			TokenURL: o.TokenURL,
		},
		RedirectURL: o.RedirectURL,
		Scopes:      o.Scopes,
	}
}

// quote protects a value inside an rclone connection string.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// RemotePath builds the rclone connection string of an account.
func (o Options) RemotePath(conf *oauth2.Config, token *oauth2.Token) (string, error) {
	tok, err := json.Marshal(token)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(":%s,client_id=%s,client_secret=%s,token=%s:%s",
		o.Remote, quote(conf.ClientID), quote(conf.ClientSecret), quote(string(tok)), o.Root), nil
}

func (o Options) openRemote(ctx context.Context, conf *oauth2.Config, token *oauth2.Token) (sboxd.StorageEngine, error) {
	remote, err := o.RemotePath(conf, token)
	if err != nil {
		return nil, err
	}
	return rclone.New(ctx, remote)
}

// Locate authorizes driveID for sessionID. Accounts without a credential
// fail NotAuthenticated.
func (p *Provider) Locate(_ context.Context, driveID, sessionID string) (*sboxd.Drive, error) {
	acct, err := p.accounts.Authorize(driveID, sessionID)
	if err != nil {
		return nil, err
	}
	if acct.engine == nil {
		return nil, sboxd.NewError(sboxd.CodeNotAuthenticated, "")
	}
	lock, err := p.accounts.Lock(driveID, sessionID)
	if err != nil {
		return nil, err
	}
	return &sboxd.Drive{
		StorageType: Name,
		DriveID:     driveID,
		Engine:      acct.engine,
		Lock:        lock,
	}, nil
}

// attach registers a drive for a client id and returns the consent URL.
// A client id can be attached once per process lifetime.
func (p *Provider) attach(_ context.Context, req *sboxd.Request) error {
	var params AttachParams
	if err := fileops.Decode(req.Params, &params); err != nil {
		return err
	}
	conf := p.opts.oauth(params.ClientID, params.ClientSecret)
	handle, err := p.accounts.Register(Name+":"+params.ClientID, req.SessionID, &account{conf: conf})
	if err != nil {
		return err
	}
	logger.Info("Cloud drive attached", logger.KeyBackend, Name, logger.KeyDrive, handle, logger.KeySession, req.SessionID)
	req.Complete(sboxd.Success(map[string]any{
		"driveId":      handle,
		"authorizeUrl": conf.AuthCodeURL(handle, oauth2.AccessTypeOffline),
	}))
	return nil
}

// authenticate exchanges the consent code and replaces the account's
// credential. A failed exchange keeps the previous one.
func (p *Provider) authenticate(ctx context.Context, req *sboxd.Request) error {
	var params AuthenticateParams
	if err := fileops.Decode(req.Params, &params); err != nil {
		return err
	}
	acct, err := p.accounts.Authorize(params.DriveID, req.SessionID)
	if err != nil {
		return err
	}
	token, err := p.exchange(ctx, acct.conf, params.SecretToken)
	if err != nil {
		return err
	}
	engine, err := p.newEngine(ctx, acct.conf, token)
	if err != nil {
		return err
	}

	err = p.accounts.Update(params.DriveID, req.SessionID, func(a *account) (*account, error) {
		return &account{conf: a.conf, token: token, engine: engine}, nil
	})
	if err != nil {
		return err
	}
	logger.Info("Cloud drive authenticated", logger.KeyBackend, Name, logger.KeyDrive, params.DriveID)
	req.Complete(sboxd.Success(map[string]any{"driveId": params.DriveID}))
	return nil
}

func (p *Provider) listStorages(_ context.Context, req *sboxd.Request) error {
	records := p.accounts.Records(req.SessionID)
	storages := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		info := sboxd.StorageInfo{
			StorageType: Name,
			DriveID:     rec.Handle,
			DriveName:   rec.Context.conf.ClientID,
			Extra:       map[string]any{"authenticated": rec.Context.engine != nil},
		}
		if tok := rec.Context.token; tok != nil && !tok.Expiry.IsZero() {
			info.Extra["expiry"] = tok.Expiry.UTC().Format(time.RFC3339)
		}
		storages = append(storages, info.Fields())
	}
	req.Complete(sboxd.Success(map[string]any{"storages": storages}))
	return nil
}

var _ sboxd.Provider = (*Provider)(nil)
