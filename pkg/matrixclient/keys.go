package matrixclient

import (
	"context"
	"errors"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Crypto is the end-to-end-encryption capability of the underlying protocol
// stack. The session core routes key bookkeeping and decryption through it
// and the verification state machine delegates all cryptographic material to
// it; none of the primitives are implemented here.
type Crypto interface {
	// ShouldUploadKeys reports whether this device still has to publish (or
	// replenish) its encryption keys.
	ShouldUploadKeys() bool
	UploadKeys(ctx context.Context) error

	// ShouldQueryKeys reports whether the view of other devices' keys is
	// stale. QueryKeys with a nil user list refreshes all tracked users.
	ShouldQueryKeys() bool
	QueryKeys(ctx context.Context, users []id.UserID) error

	// Decrypt returns the cleartext event for an m.room.encrypted event.
	Decrypt(ev *event.Event) (*event.Event, error)
	// RequestRoomKey asks our other devices for the megolm session of an
	// event we could not decrypt.
	RequestRoomKey(ctx context.Context, ev *event.Event) error
	// HandleKeyRequest answers an m.room_key_request from one of our other
	// devices, sharing the key when the requesting device is verified.
	HandleKeyRequest(ctx context.Context, ev *event.Event) error

	// SAS primitives, all scoped to one verification transaction.
	PublicKey(transactionID string) (string, error)
	Commitment(transactionID string, startContent []byte) (string, error)
	SASBytes(transactionID string, theirKey string) ([]byte, error)
	CalculateMAC(transactionID string) (mac map[string]string, keys string, err error)
	VerifyMAC(transactionID string, mac map[string]string, keys string) error
}

var errNoCrypto = errors.New("no crypto capability configured")

// nullCrypto is the default capability for sessions running without E2EE
// support. It never asks for key work and fails all SAS operations.
type nullCrypto struct{}

func (nullCrypto) ShouldUploadKeys() bool                { return false }
func (nullCrypto) UploadKeys(context.Context) error      { return nil }
func (nullCrypto) ShouldQueryKeys() bool                 { return false }
func (nullCrypto) QueryKeys(context.Context, []id.UserID) error { return nil }

func (nullCrypto) Decrypt(*event.Event) (*event.Event, error) {
	return nil, errNoCrypto
}

func (nullCrypto) RequestRoomKey(context.Context, *event.Event) error  { return nil }
func (nullCrypto) HandleKeyRequest(context.Context, *event.Event) error { return nil }

func (nullCrypto) PublicKey(string) (string, error)          { return "", errNoCrypto }
func (nullCrypto) Commitment(string, []byte) (string, error) { return "", errNoCrypto }
func (nullCrypto) SASBytes(string, string) ([]byte, error)   { return nil, errNoCrypto }

func (nullCrypto) CalculateMAC(string) (map[string]string, string, error) {
	return nil, "", errNoCrypto
}

func (nullCrypto) VerifyMAC(string, map[string]string, string) error {
	return errNoCrypto
}

// keyBookkeeping runs the opportunistic key upload/query work a sync
// response can indicate. All of it is best-effort: failures are logged and
// retried implicitly on the next tick.
func (c *Client) keyBookkeeping(ctx context.Context, resp *mautrix.RespSync) {
	if changed := resp.DeviceLists.Changed; len(changed) > 0 {
		c.logger.Debugf("device lists changed for %d users, querying keys", len(changed))

		if err := c.crypto.QueryKeys(ctx, changed); err != nil {
			c.logger.Errorf("key query failed: %s", err)
		}
	}

	if c.crypto.ShouldQueryKeys() {
		if err := c.crypto.QueryKeys(ctx, nil); err != nil {
			c.logger.Errorf("key query failed: %s", err)
		}
	}

	if c.crypto.ShouldUploadKeys() {
		if err := c.crypto.UploadKeys(ctx); err != nil {
			c.logger.Errorf("key upload failed: %s", err)
		}
	}
}
