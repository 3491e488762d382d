package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyOptions configures the shared Valkey/Redis backend. When URL is
// set it takes precedence over Addr, Password and DB.
type ValkeyOptions struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// Valkey is a Store shared by every broker instance pointed at the same
// server. This is the backend that makes instances interchangeable.
type Valkey struct {
	client valkey.Client
}

// ClientOption converts the options into a valkey client option.
func (o ValkeyOptions) ClientOption() (valkey.ClientOption, error) {
	if o.URL != "" {
		opt, err := valkey.ParseURL(o.URL)
		if err != nil {
			return valkey.ClientOption{}, fmt.Errorf("parsing valkey url: %w", err)
		}
		return opt, nil
	}

	if o.Addr == "" {
		return valkey.ClientOption{}, fmt.Errorf("valkey address is required")
	}

	return valkey.ClientOption{
		InitAddress: []string{o.Addr},
		Password:    o.Password,
		SelectDB:    o.DB,
	}, nil
}

// OpenValkey connects to the configured server.
func OpenValkey(opts ValkeyOptions) (*Valkey, error) {
	opt, err := opts.ClientOption()
	if err != nil {
		return nil, err
	}

	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}

	return &Valkey{client: client}, nil
}

// Close closes the client connection pool.
func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}

// Get returns the value for key. Server-side expiry makes stale entries
// disappear on their own.
func (v *Valkey) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("valkey get %q: %w", key, err)
	}
	return s, true, nil
}

// MGet issues a single MGET.
func (v *Valkey) MGet(ctx context.Context, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	msgs, err := v.client.Do(ctx, v.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("valkey mget: %w", err)
	}

	for i := range msgs {
		if i >= len(out) {
			break
		}
		s, err := msgs[i].ToString()
		if valkey.IsValkeyNil(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("valkey mget %q: %w", keys[i], err)
		}
		out[i] = s
	}

	return out, nil
}

// SetMany writes every key with SET EX inside one MULTI/EXEC block so the
// values land together.
func (v *Valkey) SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	cmds := make([]valkey.Completed, 0, len(values)+2)
	cmds = append(cmds, v.client.B().Multi().Build())
	for k, val := range values {
		cmds = append(cmds, v.client.B().Set().Key(k).Value(val).ExSeconds(seconds).Build())
	}
	cmds = append(cmds, v.client.B().Exec().Build())

	for _, resp := range v.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("valkey set: %w", err)
		}
	}

	return nil
}
