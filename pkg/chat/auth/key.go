package auth

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

const (
	HeaderAPIKey         = "x-api-key"
	DefaultRefreshPeriod = 60 * time.Second
)

// KeyService supplies the agent service API key. A key file, when configured, takes
// precedence over the static key and is re-read periodically so rotated secrets apply
// without a restart.
type KeyService struct {
	staticKey     string
	keyPath       string
	refreshPeriod time.Duration
	key           string
	mu            sync.RWMutex
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewKeyService creates a new KeyService
func NewKeyService(staticKey, keyPath string) *KeyService {
	return &KeyService{
		staticKey:     staticKey,
		keyPath:       keyPath,
		refreshPeriod: DefaultRefreshPeriod,
		stopCh:        make(chan struct{}),
	}
}

// Start loads the key file and begins the refresh cycle. Without a key file it is a no-op.
func (k *KeyService) Start(ctx context.Context) error {
	if k.keyPath == "" {
		return nil
	}
	if err := k.refreshKey(); err != nil {
		return apperrors.New(apperrors.ErrCodeAuthFailed, "failed to load initial API key", err)
	}

	log := ctrllog.FromContext(ctx).WithName("api-key")
	ticker := time.NewTicker(k.refreshPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := k.refreshKey(); err != nil {
					log.Error(err, "Failed to refresh API key", "path", k.keyPath)
				}
			case <-ctx.Done():
				return
			case <-k.stopCh:
				return
			}
		}
	}()

	return nil
}

// Stop stops the refresh cycle
func (k *KeyService) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

func (k *KeyService) refreshKey() error {
	data, err := os.ReadFile(k.keyPath)
	if err != nil {
		// a missing file falls back to the static key
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	k.mu.Lock()
	k.key = strings.TrimSpace(string(data))
	k.mu.Unlock()

	return nil
}

// GetKey returns the current key, or "" when none is configured
func (k *KeyService) GetKey() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key != "" {
		return k.key
	}
	return k.staticKey
}

// AddHeaders adds the API key header to an HTTP request
func (k *KeyService) AddHeaders(req *http.Request) {
	if key := k.GetKey(); key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
}
