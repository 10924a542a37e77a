// Package catalog loads the immutable key/user roster and verifies login
// credentials. Two JSON documents (a key/user roster and a separate password
// file) are parsed once at startup into lookup tables keyed by id, RFID UID,
// and username. Rather than a package-level memoized singleton, the catalog
// here is an explicit value owned by the caller (main), so tests can
// construct as many independent catalogs as they like.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Key is one entry in the key roster.
type Key struct {
	ID   string `json:"id"`
	RFID string `json:"rf_id"`
	Name string `json:"name"`
}

// User is one entry in the user roster, with its bcrypt password hash joined
// in from the separate passwords document.
type User struct {
	ID            string   `json:"id"`
	RFID          string   `json:"rf_id"`
	Username      string   `json:"username"`
	Name          string   `json:"name"`
	AuthorizedFor []string `json:"authorized_for"`
	passwordHash  string
}

// IsAuthorizedFor reports whether the user may hold the given key id. An
// empty key id (no key, "NONE") is always authorized.
func (u User) IsAuthorizedFor(keyID string) bool {
	if keyID == "" {
		return true
	}
	for _, id := range u.AuthorizedFor {
		if id == keyID {
			return true
		}
	}
	return false
}

// Catalog is the immutable, in-memory key and user roster. It is read-only
// after Load and therefore requires no locking — every lookup is a plain map
// read shared freely across goroutines.
type Catalog struct {
	keysByID   map[string]Key
	keysByRFID map[string]Key

	usersByID       map[string]User
	usersByRFID     map[string]User
	usersByUsername map[string]User
}

type rosterDocument struct {
	Keys []Key `json:"keys"`
	Users []struct {
		ID            string   `json:"id"`
		RFID          string   `json:"rf_id"`
		Name          string   `json:"name"`
		Username      string   `json:"username"`
		AuthorizedFor []string `json:"authorized_for"`
	} `json:"users"`
}

type passwordsDocument struct {
	Passwords []struct {
		ID       string `json:"id"`
		Password string `json:"password"`
	} `json:"passwords"`
}

// Load parses the roster and passwords documents and builds every lookup
// index. Both files are plain JSON; JSON5 features such as comments and
// trailing commas are not accepted, an accepted narrowing documented in
// DESIGN.md since no JSON5 parser is available.
func Load(rosterPath, passwordsPath string) (*Catalog, error) {
	rosterBytes, err := os.ReadFile(rosterPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading roster: %w", err)
	}
	var roster rosterDocument
	if err := json.Unmarshal(rosterBytes, &roster); err != nil {
		return nil, fmt.Errorf("catalog: parsing roster: %w", err)
	}

	pwBytes, err := os.ReadFile(passwordsPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading passwords: %w", err)
	}
	var pwDoc passwordsDocument
	if err := json.Unmarshal(pwBytes, &pwDoc); err != nil {
		return nil, fmt.Errorf("catalog: parsing passwords: %w", err)
	}
	passwordsByID := make(map[string]string, len(pwDoc.Passwords))
	for _, p := range pwDoc.Passwords {
		passwordsByID[p.ID] = p.Password
	}

	c := &Catalog{
		keysByID:         make(map[string]Key, len(roster.Keys)),
		keysByRFID:       make(map[string]Key, len(roster.Keys)),
		usersByID:        make(map[string]User, len(roster.Users)),
		usersByRFID:      make(map[string]User, len(roster.Users)),
		usersByUsername:  make(map[string]User, len(roster.Users)),
	}
	for _, k := range roster.Keys {
		c.keysByID[k.ID] = k
		c.keysByRFID[k.RFID] = k
	}
	for _, u := range roster.Users {
		hash, ok := passwordsByID[u.ID]
		if !ok {
			return nil, fmt.Errorf("catalog: user %q has no password entry", u.ID)
		}
		user := User{
			ID:            u.ID,
			RFID:          u.RFID,
			Username:      u.Username,
			Name:          u.Name,
			AuthorizedFor: u.AuthorizedFor,
			passwordHash:  hash,
		}
		c.usersByID[u.ID] = user
		c.usersByRFID[u.RFID] = user
		c.usersByUsername[u.Username] = user
	}
	return c, nil
}

// KeyByID looks a key up by its catalog id.
func (c *Catalog) KeyByID(id string) (Key, bool) {
	k, ok := c.keysByID[id]
	return k, ok
}

// KeyByRFID looks a key up by the UID its RFID tag reports.
func (c *Catalog) KeyByRFID(rfid string) (Key, bool) {
	k, ok := c.keysByRFID[rfid]
	return k, ok
}

// UserByID looks a user up by catalog id.
func (c *Catalog) UserByID(id string) (User, bool) {
	u, ok := c.usersByID[id]
	return u, ok
}

// UserByRFID looks a user up by the UID their badge reports.
func (c *Catalog) UserByRFID(rfid string) (User, bool) {
	u, ok := c.usersByRFID[rfid]
	return u, ok
}

// UserByUsername looks a user up by login username.
func (c *Catalog) UserByUsername(username string) (User, bool) {
	u, ok := c.usersByUsername[username]
	return u, ok
}

// VerifyCredentials checks a username/password pair against the stored
// bcrypt hash, mirroring database.py's by_username_check_password. It
// returns the matched user and true only on a full match; an unknown
// username costs the same bcrypt comparison time as a wrong password would
// have, because the comparison then runs against a fixed dummy hash instead.
func (c *Catalog) VerifyCredentials(username, password string) (User, bool) {
	user, ok := c.usersByUsername[username]
	hash := user.passwordHash
	if !ok {
		hash = dummyHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if !ok || err != nil {
		return User{}, false
	}
	return user, true
}

// dummyHash is a valid bcrypt hash of an unguessable value, compared against
// on an unknown username so VerifyCredentials takes the same code path
// either way.
const dummyHash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8Q5FxG6FVXRx3W4F4W4F4W4F4W4F4W"
