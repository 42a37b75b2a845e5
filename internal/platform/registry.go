package platform

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/config"
)

// Registry holds the constructed adapter for every configured account.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds one Client per configured account. authDir is where
// adapters that persist their own transport session (Garmin) keep it.
func NewRegistry(cfg *config.Config, authDir string, log *zap.Logger) (*Registry, error) {
	clients := make(map[string]Client, len(cfg.Accounts))

	for accountID, acct := range cfg.Accounts {
		kind, err := kindFor(acct)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", accountID, err)
		}
		rateLimit := time.Duration(acct.RateLimitSeconds) * time.Second

		switch kind {
		case GarminUS:
			sessionFile := filepath.Join(authDir, accountID+".garmin-session.json")
			clients[accountID] = NewGarminClient(accountID, kind, acct.Email, acct.Password, sessionFile, rateLimit, log)
		case GarminCN:
			// The garmin-connect library is hardwired to connect.garmin.com;
			// connect.garmin.cn is a separate SSO the client cannot reach.
			// Refusing here beats authenticating against the wrong service.
			return nil, fmt.Errorf("account %s: garmin_cn is not supported: the Garmin client cannot be pointed at connect.garmin.cn", accountID)
		case CorosCN:
			clients[accountID] = NewCorosClient(accountID, acct.Email, acct.Password, acct.BaseURL, rateLimit, log)
		}
	}

	return &Registry{clients: clients}, nil
}

// kindFor resolves the platform variant from an account's platform and
// region fields. Explicit variants (garmin_cn) are accepted as-is; the
// short form (platform garmin, region china) is the config file's usual
// spelling.
func kindFor(acct config.Account) (Kind, error) {
	if kind, err := ParseKind(acct.Platform); err == nil {
		return kind, nil
	}
	switch acct.Platform {
	case "garmin":
		if acct.Region == "china" || acct.Region == "cn" {
			return GarminCN, nil
		}
		return GarminUS, nil
	case "coros":
		return CorosCN, nil
	}
	return "", fmt.Errorf("unknown platform %q", acct.Platform)
}

// Client returns the adapter for an account.
func (r *Registry) Client(accountID string) (Client, error) {
	c, ok := r.clients[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s not configured", accountID)
	}
	return c, nil
}

// AccountIDs returns all configured account IDs in stable order.
func (r *Registry) AccountIDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
