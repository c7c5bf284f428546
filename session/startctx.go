package session

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// StartMarkVar carries the mark of the saved start context through the
// activation environment. Preparation removes it again.
const StartMarkVar = "WSM_START_MARK"

const startContextFile = "start_context.cbor"

var (
	// ErrNoStartContext is returned when no start context was saved.
	ErrNoStartContext = errors.New("no saved start context")
	// ErrStaleStartContext is returned when the saved start context does
	// not belong to the current start attempt or was tampered with.
	ErrStaleStartContext = errors.New("stale start context")
)

// startContextKey is the BLAKE3 key of the start-context digest: the ASCII
// domain name zero-padded to 32 bytes.
var startContextKey = [32]byte{
	'w', 's', 'm', '.', 's', 't', 'a', 'r', 't', '-', 'c', 'o', 'n', 't', 'e', 'x', 't',
}

var startEnc cbor.EncMode

func init() {
	var err error

	startEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}
}

type startPayload struct {
	Mark    string            `cbor:"1,keyasint"`
	Created int64             `cbor:"2,keyasint"`
	Env     map[string]string `cbor:"3,keyasint"`
}

type startRecord struct {
	Payload []byte `cbor:"1,keyasint"`
	Digest  []byte `cbor:"2,keyasint"`
}

// SaveStartContext stores env in dir and returns the mark that must be
// presented to load it again.
func SaveStartContext(dir string, env map[string]string, now time.Time) (string, error) {
	mark := uuid.NewString()

	payload, err := startEnc.Marshal(startPayload{Mark: mark, Created: now.Unix(), Env: env})
	if err != nil {
		return "", fmt.Errorf("encoding start context: %w", err)
	}

	digest, err := startDigest(payload)
	if err != nil {
		return "", err
	}

	data, err := startEnc.Marshal(startRecord{Payload: payload, Digest: digest})
	if err != nil {
		return "", fmt.Errorf("encoding start context: %w", err)
	}

	err = os.MkdirAll(dir, 0o700)
	if err != nil {
		return "", fmt.Errorf("creating runtime dir: %w", err)
	}

	err = writeFileAtomic(filepath.Join(dir, startContextFile), data, 0o600)
	if err != nil {
		return "", fmt.Errorf("writing start context: %w", err)
	}

	return mark, nil
}

// LoadStartContext reads the start context saved in dir, checks it against
// mark and deletes it. A context is used at most once.
func LoadStartContext(dir, mark string) (map[string]string, error) {
	path := filepath.Join(dir, startContextFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoStartContext
		}

		return nil, fmt.Errorf("reading start context: %w", err)
	}

	_ = os.Remove(path)

	if mark == "" {
		return nil, fmt.Errorf("%w: no mark presented", ErrStaleStartContext)
	}

	var rec startRecord

	err = cbor.Unmarshal(data, &rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStaleStartContext, err)
	}

	want, err := startDigest(rec.Payload)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(want, rec.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrStaleStartContext)
	}

	var p startPayload

	err = cbor.Unmarshal(rec.Payload, &p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStaleStartContext, err)
	}

	if p.Mark != mark {
		return nil, fmt.Errorf("%w: mark mismatch", ErrStaleStartContext)
	}

	if p.Env == nil {
		p.Env = map[string]string{}
	}

	return p.Env, nil
}

// DiscardStartContext removes a saved start context, if any.
func DiscardStartContext(dir string) error {
	err := os.Remove(filepath.Join(dir, startContextFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing start context: %w", err)
	}

	return nil
}

func startDigest(payload []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(startContextKey[:])
	if err != nil {
		return nil, fmt.Errorf("start context digest: %w", err)
	}

	_, _ = h.Write(payload)

	return h.Sum(nil), nil
}
