package keyfold

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/keyfold/client-go/internal/crypto"
)

// backupRecord is the compact form of a record inside a backup blob.
// Record identifiers are deliberately absent: they are internal to one
// vault and would only bloat the blob, so Import assigns fresh ones.
type backupRecord struct {
	Secrets   map[string]string `msgpack:"s"`
	CreatedAt time.Time         `msgpack:"c"`
	UpdatedAt time.Time         `msgpack:"u"`
}

// BackupOption configures Export and Import.
type BackupOption func(*backupConfig)

type backupConfig struct {
	passphrase []byte
}

// WithBackupPassphrase protects the backup with a standalone
// passphrase instead of the account password. Use it for exports meant
// to outlive the account or move between accounts.
func WithBackupPassphrase(passphrase string) BackupOption {
	return func(c *backupConfig) {
		c.passphrase = []byte(passphrase)
	}
}

// Export serializes all cached records into an encrypted blob: a
// msgpack array whose first element is a fresh KDF salt, followed by
// one independently encrypted entry per record. The export key is
// derived from the KEK by default, so the account password opens the
// backup; WithBackupPassphrase substitutes a dedicated one. Each
// record is encrypted on its own so a truncated blob still yields the
// intact prefix on import.
func (v *Vault) Export(opts ...BackupOption) ([]byte, error) {
	if err := v.client.checkOpen(); err != nil {
		return nil, err
	}

	key, salt, err := v.exportKey(nil, opts)
	if err != nil {
		return nil, err
	}

	records := v.Records()
	parts := make([][]byte, 0, len(records)+1)
	parts = append(parts, salt)
	for _, r := range records {
		plain, err := msgpack.Marshal(&backupRecord{
			Secrets:   r.Secrets,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("encode backup entry: %w", err)
		}
		sealed, err := crypto.Seal(key, plain)
		if err != nil {
			return nil, err
		}
		parts = append(parts, sealed)
	}

	out, err := msgpack.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	return out, nil
}

// Import decrypts a backup blob and returns its records under freshly
// assigned identifiers. It does not touch the vault; use Restore to
// write them back to the server.
func (v *Vault) Import(data []byte, opts ...BackupOption) ([]*Record, error) {
	if err := v.client.checkOpen(); err != nil {
		return nil, err
	}

	var parts [][]byte
	if err := msgpack.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if len(parts) == 0 || len(parts[0]) != crypto.SaltSize {
		return nil, fmt.Errorf("%w: bad salt", ErrInvalidBackup)
	}

	key, _, err := v.exportKey(parts[0], opts)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(parts)-1)
	for i, sealed := range parts[1:] {
		plain, err := crypto.Open(key, sealed)
		if err != nil {
			return nil, &DecryptionError{Stage: fmt.Sprintf("backup entry %d", i), Err: err}
		}
		var entry backupRecord
		if err := msgpack.Unmarshal(plain, &entry); err != nil {
			return nil, fmt.Errorf("%w: entry %d", ErrInvalidBackup, i)
		}
		records = append(records, &Record{
			ID:        NewRecordID(),
			Secrets:   entry.Secrets,
			CreatedAt: entry.CreatedAt,
			UpdatedAt: entry.UpdatedAt,
		})
	}
	return records, nil
}

// Restore imports a backup blob and uploads every record as a new
// vault entry. Returns the number of records restored.
func (v *Vault) Restore(ctx context.Context, data []byte, opts ...BackupOption) (int, error) {
	records, err := v.Import(data, opts...)
	if err != nil {
		return 0, err
	}
	for i, r := range records {
		if _, err := v.Put(ctx, r); err != nil {
			return i, err
		}
	}
	return len(records), nil
}

// ExportToFile writes an export to path with owner-only permissions.
func (v *Vault) ExportToFile(path string, opts ...BackupOption) error {
	data, err := v.Export(opts...)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ImportFromFile reads a backup file and returns its records.
func (v *Vault) ImportFromFile(path string, opts ...BackupOption) ([]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return v.Import(data, opts...)
}

// StoreBackup uploads an export to the server's backup slot. The
// server sees only the encrypted blob.
func (v *Vault) StoreBackup(ctx context.Context, opts ...BackupOption) error {
	if err := v.client.session.guard(ctx, false); err != nil {
		return err
	}
	data, err := v.Export(opts...)
	if err != nil {
		return err
	}
	if err := v.client.api.StoreBackup(ctx, data); err != nil {
		return wrapError(err)
	}
	return nil
}

// FetchBackup downloads the server-side backup blob and returns its
// records.
func (v *Vault) FetchBackup(ctx context.Context, opts ...BackupOption) ([]*Record, error) {
	if err := v.client.session.guard(ctx, false); err != nil {
		return nil, err
	}
	data, err := v.client.api.FetchBackup(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return v.Import(data, opts...)
}

// exportKey derives the backup encryption key. With a nil salt a fresh
// one is generated (export path); import passes the blob's salt.
func (v *Vault) exportKey(salt []byte, opts []BackupOption) ([]byte, []byte, error) {
	var cfg backupConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if salt == nil {
		var err error
		if salt, err = crypto.RandomSalt(); err != nil {
			return nil, nil, err
		}
	}

	material := cfg.passphrase
	if material == nil {
		_, kek, _, err := v.client.session.keyMaterial()
		if err != nil {
			return nil, nil, err
		}
		material = kek
	}

	return crypto.DeriveKey(material, salt, v.client.cfg.kdfIterations), salt, nil
}
