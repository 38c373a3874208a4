package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobctl/pkg/atomicfile"
)

const (
	authDirName      = "authorizations"
	tokenDirName     = "tokens"
	claimDirName     = "claims"
	activeJobFile    = "active.json"
	claimOwnerFile   = "owner.json"
	privateFileMode  = 0o600
	privateDirectory = 0o700
)

// File is a Store backed by JSON files under one directory. Writes are atomic
// (temp file + rename) and claims are directories, so several client processes
// can share the same state directory.
type File struct {
	dir string
	mu  sync.Mutex
}

type claimOwner struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Hostname  string    `json:"hostname,omitempty"`
}

// NewFile creates the state directory layout under dir.
func NewFile(dir string) (*File, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	for _, sub := range []string{authDirName, tokenDirName, claimDirName} {
		if err := os.MkdirAll(filepath.Join(target, sub), privateDirectory); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", filepath.Join(target, sub), err)
		}
	}
	return &File{dir: target}, nil
}

// Dir returns the state directory.
func (f *File) Dir() string {
	return f.dir
}

func (f *File) SaveAuthorization(_ context.Context, auth Authorization) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var existing Authorization
	if err := ReadJSON(f.authPath(auth.TransactionID), &existing); err == nil && existing.JobID != "" {
		auth.JobID = existing.JobID
	}
	if err := WriteJSON(f.authPath(auth.TransactionID), auth); err != nil {
		return err
	}
	if auth.Token != "" {
		return WriteBytes(f.tokenPath(auth.Token), []byte(auth.TransactionID))
	}
	return nil
}

func (f *File) Authorization(_ context.Context, transactionID string) (Authorization, error) {
	var auth Authorization
	if err := ReadJSON(f.authPath(transactionID), &auth); err != nil {
		return Authorization{}, notFound(err)
	}
	return auth, nil
}

func (f *File) AuthorizationByToken(ctx context.Context, token string) (Authorization, error) {
	data, err := os.ReadFile(f.tokenPath(token))
	if err != nil {
		return Authorization{}, notFound(err)
	}
	return f.Authorization(ctx, strings.TrimSpace(string(data)))
}

// Claim creates the claim directory. An existing claim whose owner record has
// expired is taken over.
func (f *File) Claim(_ context.Context, transactionID string, ttl time.Duration) (Release, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	lockDir := filepath.Join(f.dir, claimDirName, encodeKey(transactionID))

	if err := os.Mkdir(lockDir, privateDirectory); err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire claim for %s: %w", transactionID, err)
		}
		var owner claimOwner
		if err := ReadJSON(filepath.Join(lockDir, claimOwnerFile), &owner); err != nil {
			// Owner record not written yet: the holder is mid-acquire.
			return nil, ErrClaimed
		}
		if time.Now().Before(owner.ExpiresAt) {
			return nil, fmt.Errorf("%w (pid=%d host=%s)", ErrClaimed, owner.PID, owner.Hostname)
		}
		// Stale claim from a crashed holder.
		_ = os.RemoveAll(lockDir)
		if err := os.Mkdir(lockDir, privateDirectory); err != nil {
			return nil, ErrClaimed
		}
	}

	now := time.Now()
	owner := claimOwner{
		PID:       os.Getpid(),
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(ttl).UTC(),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(lockDir, claimOwnerFile), owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return nil, fmt.Errorf("write claim owner for %s: %w", transactionID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = os.Remove(filepath.Join(lockDir, claimOwnerFile))
			_ = os.Remove(lockDir)
		})
	}, nil
}

func (f *File) RecordJob(_ context.Context, transactionID, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var auth Authorization
	if err := ReadJSON(f.authPath(transactionID), &auth); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		auth = Authorization{TransactionID: transactionID, CreatedAt: time.Now().UTC()}
	}
	if auth.JobID != "" {
		if auth.JobID != jobID {
			return auth.JobID, ErrJobConflict
		}
		return auth.JobID, nil
	}
	auth.JobID = jobID
	if err := WriteJSON(f.authPath(transactionID), auth); err != nil {
		return "", err
	}
	return jobID, nil
}

func (f *File) SaveActiveJob(_ context.Context, active ActiveJob) error {
	return WriteJSON(filepath.Join(f.dir, activeJobFile), active)
}

func (f *File) ActiveJob(context.Context) (ActiveJob, error) {
	var active ActiveJob
	if err := ReadJSON(filepath.Join(f.dir, activeJobFile), &active); err != nil {
		return ActiveJob{}, notFound(err)
	}
	return active, nil
}

func (f *File) ClearActiveJob(context.Context) error {
	if err := os.Remove(filepath.Join(f.dir, activeJobFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear active job: %w", err)
	}
	return nil
}

func (f *File) Ready(context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("state directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state directory %s is not a directory", f.dir)
	}
	return nil
}

func (f *File) Close() error {
	return nil
}

func (f *File) authPath(transactionID string) string {
	return filepath.Join(f.dir, authDirName, encodeKey(transactionID)+".json")
}

func (f *File) tokenPath(token string) string {
	return filepath.Join(f.dir, tokenDirName, encodeKey(token))
}

// encodeKey makes an opaque provider id safe to use as a file name.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func notFound(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// WriteBytes writes data to path atomically with owner-only permissions.
func WriteBytes(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), privateDirectory); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	return atomicfile.Write(path, data, privateFileMode)
}

// WriteJSON writes v as indented JSON to path atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

// ReadJSON reads and decodes the JSON file at path.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}

// Verify File implements Store
var _ Store = (*File)(nil)
