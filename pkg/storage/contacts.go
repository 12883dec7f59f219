package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// Contact is one logical peer. FirstContactID is assigned at the very
// first encounter and never changes; DurableID appears only after a
// trust upgrade. Contacts are never deleted implicitly; only
// DeleteContact, driven by an explicit user action, removes one.
type Contact struct {
	FirstContactID string
	DurableID      string // empty until paired
	DisplayName    string
	TrustTier      protocol.TrustTier
	IsFavorite     bool
	StaticKey      string // hex of the peer's long-term public key
	AddedAt        int64
	LastSeen       int64
}

// ===== CONTACT OPERATIONS =====

// SaveContact inserts a contact at first encounter, or refreshes the
// mutable fields of an existing one. The first-contact id can never be
// rewritten; the durable id changes only through PromoteContact.
func (m *MeshDB) SaveContact(c *Contact) error {
	if c.AddedAt == 0 {
		c.AddedAt = time.Now().Unix()
	}

	query := `
		INSERT INTO contacts (first_contact_id, durable_id, display_name, trust_tier, is_favorite, static_key, added_at, last_seen)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)
		ON CONFLICT(first_contact_id) DO UPDATE SET
			display_name = excluded.display_name,
			trust_tier = excluded.trust_tier,
			is_favorite = excluded.is_favorite,
			static_key = CASE WHEN excluded.static_key != '' THEN excluded.static_key ELSE contacts.static_key END,
			last_seen = excluded.last_seen
	`

	_, err := m.db.Exec(query,
		c.FirstContactID, c.DurableID, c.DisplayName,
		int(c.TrustTier), boolToInt(c.IsFavorite), c.StaticKey, c.AddedAt, c.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to save contact: %v", err)
	}
	return nil
}

// PromoteContact assigns the durable identifier and raises the trust
// tier in one step, as happens when a pairing completes.
func (m *MeshDB) PromoteContact(firstContactID, durableID string, tier protocol.TrustTier) error {
	result, err := m.db.Exec(
		`UPDATE contacts SET durable_id = ?, trust_tier = ? WHERE first_contact_id = ?`,
		durableID, int(tier), firstContactID)
	if err != nil {
		return fmt.Errorf("failed to promote contact: %v", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MeshDB) scanContact(row *sql.Row) (*Contact, error) {
	var c Contact
	var durable sql.NullString
	var tier, favorite int

	err := row.Scan(&c.FirstContactID, &durable, &c.DisplayName, &tier, &favorite, &c.StaticKey, &c.AddedAt, &c.LastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.DurableID = durable.String
	c.TrustTier = protocol.TrustTier(tier)
	c.IsFavorite = intToBool(favorite)
	return &c, nil
}

const contactColumns = `first_contact_id, durable_id, display_name, trust_tier, is_favorite, static_key, added_at, last_seen`

// GetContact retrieves a contact by its first-contact identifier
func (m *MeshDB) GetContact(firstContactID string) (*Contact, error) {
	row := m.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE first_contact_id = ?`, firstContactID)
	return m.scanContact(row)
}

// GetContactByDurable retrieves a contact by its durable identifier
func (m *MeshDB) GetContactByDurable(durableID string) (*Contact, error) {
	row := m.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE durable_id = ?`, durableID)
	return m.scanContact(row)
}

// AllContacts retrieves every contact ordered by display name
func (m *MeshDB) AllContacts() ([]*Contact, error) {
	rows, err := m.db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY display_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var c Contact
		var durable sql.NullString
		var tier, favorite int
		if err := rows.Scan(&c.FirstContactID, &durable, &c.DisplayName, &tier, &favorite, &c.StaticKey, &c.AddedAt, &c.LastSeen); err != nil {
			return nil, err
		}
		c.DurableID = durable.String
		c.TrustTier = protocol.TrustTier(tier)
		c.IsFavorite = intToBool(favorite)
		contacts = append(contacts, &c)
	}
	return contacts, rows.Err()
}

// SetTrustTier updates a contact's trust tier
func (m *MeshDB) SetTrustTier(firstContactID string, tier protocol.TrustTier) error {
	result, err := m.db.Exec(
		`UPDATE contacts SET trust_tier = ? WHERE first_contact_id = ?`,
		int(tier), firstContactID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFavorite marks or unmarks a contact as favorite
func (m *MeshDB) SetFavorite(firstContactID string, favorite bool) error {
	result, err := m.db.Exec(
		`UPDATE contacts SET is_favorite = ? WHERE first_contact_id = ?`,
		boolToInt(favorite), firstContactID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsFavorite reports whether the peer behind the given conversation
// key is marked favorite. Unknown peers are not favorites.
func (m *MeshDB) IsFavorite(conversationID string) bool {
	var favorite int
	err := m.db.QueryRow(
		`SELECT is_favorite FROM contacts WHERE first_contact_id = ? OR durable_id = ?`,
		conversationID, conversationID).Scan(&favorite)
	if err != nil {
		return false
	}
	return intToBool(favorite)
}

// TrustTierFor returns the trust tier for a conversation key,
// TrustNone for unknown peers.
func (m *MeshDB) TrustTierFor(conversationID string) protocol.TrustTier {
	var tier int
	err := m.db.QueryRow(
		`SELECT trust_tier FROM contacts WHERE first_contact_id = ? OR durable_id = ?`,
		conversationID, conversationID).Scan(&tier)
	if err != nil {
		return protocol.TrustNone
	}
	return protocol.TrustTier(tier)
}

// TouchLastSeen updates the last-seen timestamp
func (m *MeshDB) TouchLastSeen(firstContactID string, when time.Time) error {
	_, err := m.db.Exec(
		`UPDATE contacts SET last_seen = ? WHERE first_contact_id = ?`,
		when.Unix(), firstContactID)
	return err
}

// DeleteContact removes a contact. Explicit user action only.
func (m *MeshDB) DeleteContact(firstContactID string) error {
	result, err := m.db.Exec(`DELETE FROM contacts WHERE first_contact_id = ?`, firstContactID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
