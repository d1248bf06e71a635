// Package userdb implements a simple user database.
//
// # Format
//
// The user database is a plain text file, one user per line:
//
//	user SCRYPT logN r p base64(salt) base64(key)
//	user PLAIN base64(password)
//
// Lines starting with "#" are ignored, as well as empty lines. Users must
// be UTF-8 and NOT contain whitespace; the library will enforce this.
//
// We write text instead of binary to make it easier for administrators to
// troubleshoot, and since performance is not an issue for our expected
// usage.
//
// # Schemes
//
// The default scheme is SCRYPT, with hard-coded parameters. The API does
// not allow the user to change this, at least for now. A PLAIN scheme is
// also supported for debugging purposes.
//
// # Writing
//
// The functions that write a database file will not preserve ordering,
// invalid lines, empty lines, or any formatting. It is also not safe for
// concurrent use from different processes.
package userdb

import (
	"bufio"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/dtolnay/mailingset/internal/normalize"
)

// password is a hashed credential in one of the supported schemes.
type password interface {
	matches(plain string) bool
	serialize() string
}

// DB represents a single user database.
type DB struct {
	fname string
	users map[string]password

	// Lock protecting users.
	mu sync.RWMutex
}

// New returns a new user database, on the given file name.
func New(fname string) *DB {
	return &DB{
		fname: fname,
		users: map[string]password{},
	}
}

// Load the database from the given file. A missing file is an empty
// database, so a new one can be populated with AddUser + Write.
func Load(fname string) (*DB, error) {
	db := New(fname)

	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 1; scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: invalid line", fname, i)
		}

		var p password
		switch fields[1] {
		case "SCRYPT":
			p, err = scryptFromFields(fields[2:])
		case "PLAIN":
			p, err = plainFromFields(fields[2:])
		default:
			err = fmt.Errorf("unknown scheme %q", fields[1])
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %v", fname, i, err)
		}

		db.users[fields[0]] = p
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return db, nil
}

// Reload the database, refreshing its contents from the current file on
// disk. If there are errors reading from the file, they are returned and
// the database is not changed.
func (db *DB) Reload() error {
	newdb, err := Load(db.fname)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users = newdb.users
	db.mu.Unlock()

	return nil
}

// Write the database to disk. It will do a complete rewrite each time, and
// is not safe to call it from different processes in parallel.
func (db *DB) Write() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.users))
	for name := range db.users {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := &strings.Builder{}
	buf.WriteString("# mailingset user database\n")
	for _, name := range names {
		fmt.Fprintf(buf, "%s %s\n", name, db.users[name].serialize())
	}

	return os.WriteFile(db.fname, []byte(buf.String()), 0660)
}

// Len returns the number of users in the database.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.users)
}

// Authenticate returns true if the password is valid for the user, false
// otherwise.
func (db *DB) Authenticate(name, plainPassword string) bool {
	db.mu.RLock()
	p, ok := db.users[name]
	db.mu.RUnlock()

	if !ok {
		return false
	}
	return p.matches(plainPassword)
}

// AddUser to the database. If the user is already present, override it.
// Note we enforce that the name has been normalized previously.
func (db *DB) AddUser(name, plainPassword string) error {
	if norm, err := normalize.User(name); err != nil || name == "" || name != norm {
		return errors.New("invalid username")
	}

	s := &scryptPassword{
		// Use hard-coded standard parameters for now, following the
		// recommendations from the scrypt paper.
		logN: 14, r: 8, p: 1,

		salt: make([]byte, 16),
	}

	n, err := rand.Read(s.salt)
	if n != 16 || err != nil {
		return fmt.Errorf("failed to get salt - %d - %v", n, err)
	}

	s.key, err = scrypt.Key([]byte(plainPassword), s.salt,
		1<<s.logN, s.r, s.p, keyLen)
	if err != nil {
		return fmt.Errorf("scrypt failed: %v", err)
	}

	db.mu.Lock()
	db.users[name] = s
	db.mu.Unlock()

	return nil
}

// RemoveUser from the database. Returns true if the user was there, false
// otherwise.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	_, present := db.users[name]
	delete(db.users, name)
	db.mu.Unlock()
	return present
}

// Exists returns true if the user is present, false otherwise.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	_, present := db.users[name]
	db.mu.RUnlock()
	return present
}

///////////////////////////////////////////////////////////
// Encryption schemes
//

const keyLen = 32

// scryptPassword is the default scheme.
type scryptPassword struct {
	logN, r, p int
	salt, key  []byte
}

func scryptFromFields(fields []string) (password, error) {
	if len(fields) != 5 {
		return nil, errors.New("invalid SCRYPT entry")
	}

	s := &scryptPassword{}
	var err error
	if s.logN, err = strconv.Atoi(fields[0]); err != nil {
		return nil, err
	}
	if s.r, err = strconv.Atoi(fields[1]); err != nil {
		return nil, err
	}
	if s.p, err = strconv.Atoi(fields[2]); err != nil {
		return nil, err
	}
	if s.salt, err = base64.StdEncoding.DecodeString(fields[3]); err != nil {
		return nil, err
	}
	if s.key, err = base64.StdEncoding.DecodeString(fields[4]); err != nil {
		return nil, err
	}

	// Sanity-check the parameters, so a corrupt database cannot make us
	// spend wild amounts of memory.
	if s.logN < 1 || s.logN > 30 || s.r < 1 || s.p < 1 {
		return nil, errors.New("invalid SCRYPT parameters")
	}

	return s, nil
}

func (s *scryptPassword) matches(plain string) bool {
	key, err := scrypt.Key([]byte(plain), s.salt, 1<<s.logN, s.r, s.p, keyLen)
	if err != nil {
		// The parameters were validated at load time, so something went
		// really wrong.
		return false
	}

	// This comparison should be high enough up the stack that it doesn't
	// matter, but do it in constant time just in case.
	return subtle.ConstantTimeCompare(key, s.key) == 1
}

func (s *scryptPassword) serialize() string {
	return fmt.Sprintf("SCRYPT %d %d %d %s %s", s.logN, s.r, s.p,
		base64.StdEncoding.EncodeToString(s.salt),
		base64.StdEncoding.EncodeToString(s.key))
}

// plainPassword is useful mostly for testing and debugging.
type plainPassword struct {
	password string
}

func plainFromFields(fields []string) (password, error) {
	if len(fields) != 1 {
		return nil, errors.New("invalid PLAIN entry")
	}

	p, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		return nil, err
	}
	return &plainPassword{password: string(p)}, nil
}

func (p *plainPassword) matches(plain string) bool {
	return subtle.ConstantTimeCompare(
		[]byte(plain), []byte(p.password)) == 1
}

func (p *plainPassword) serialize() string {
	return "PLAIN " + base64.StdEncoding.EncodeToString([]byte(p.password))
}
