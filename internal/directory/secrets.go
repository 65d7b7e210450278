package directory

import (
	"database/sql"
	"fmt"
)

// SaveSecret stores an encrypted credential value under a name.
// Values are encrypted by the vault before they reach the directory.
func (d *Directory) SaveSecret(name string, value, nonce []byte) error {
	_, err := d.db.Exec(`
		INSERT INTO secrets (name, value, nonce)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			nonce = excluded.nonce,
			updated_at = CURRENT_TIMESTAMP`,
		name, value, nonce)
	if err != nil {
		return fmt.Errorf("save secret %s: %w", name, err)
	}
	return nil
}

// GetSecret returns the encrypted value and nonce for a named secret.
func (d *Directory) GetSecret(name string) ([]byte, []byte, error) {
	var value, nonce []byte
	err := d.db.QueryRow(`SELECT value, nonce FROM secrets WHERE name = ?`, name).
		Scan(&value, &nonce)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("secret %s not found", name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	return value, nonce, nil
}

// DeleteSecret removes a named secret.
func (d *Directory) DeleteSecret(name string) error {
	if _, err := d.db.Exec(`DELETE FROM secrets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete secret %s: %w", name, err)
	}
	return nil
}
