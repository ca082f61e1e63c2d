package device

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/edgecli/miioclient/internal/ioerr"
)

// deviceInfoResult is the shape of a `miIO.info` reply this module cares
// about; devices return many more fields, all ignored here.
type deviceInfoResult struct {
	Model string `json:"model"`
}

// Enrich fetches `miIO.info`, learning the device model. If
// no token is present yet it is loaded from the token store first. At most
// one enrichment runs at a time per device, shared via singleflight.
func (i *Info) Enrich(ctx context.Context) error {
	_, err, _ := i.enrichGroup.Do("enrich", func() (any, error) {
		return nil, i.doEnrich(ctx)
	})
	return err
}

func (i *Info) doEnrich(ctx context.Context) error {
	_, hadToken := i.Token()

	if !hadToken {
		id, _ := i.identityForTokenLookup()
		token, err := i.mgr.Tokens().Load(id)
		if err != nil {
			return ioerr.New("missing-token", "no token available for device "+id)
		}
		i.SetManualToken(token)
	}

	result, err := i.Call(ctx, "miIO.info", nil, CallOptions{})
	if err != nil {
		var ce *ioerr.Error
		if errors.As(err, &ce) && ce.Code == "missing-token" {
			return err
		}
		if hadToken {
			return ioerr.Wrap("connection-failure", "enrich failed with an established token", err)
		}
		return ioerr.Wrap("missing-token", "enrich failed without an established token", err)
	}

	var info deviceInfoResult
	if err := json.Unmarshal(result, &info); err != nil {
		return err
	}

	i.mu.Lock()
	i.model = info.Model
	i.tokenChanged = false
	i.enriched = true
	i.mu.Unlock()
	return nil
}

func (i *Info) identityForTokenLookup() (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.id != "" {
		return i.id, true
	}
	return i.address, false
}
