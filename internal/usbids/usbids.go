// Package usbids resolves vendor and product IDs to names using the usb.ids
// database maintained at linux-usb.org and shipped by most distributions.
package usbids

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// DefaultPaths lists the standard locations of the database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// ErrNotFound is returned by [Open] when none of the candidate paths exist.
var ErrNotFound = errors.New("usb.ids not found")

// Database holds vendor and product names. The zero value is empty and
// answers every lookup with "".
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
	path     string
}

// Parse reads the database format from r. Lines that are neither vendor nor
// product entries end the current vendor block; the class, audio and HID
// tables at the end of the file are skipped this way.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	var vendor uint16
	inVendor := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vendor = id
			db.vendors[id] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("usb.ids: %w", err)
	}
	return db, nil
}

// entry splits "xxxx  Name" into its hex ID and name.
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(line[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Open parses the first of paths that exists, or the [DefaultPaths] when
// none are given.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		db, err := Parse(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		db.path = path
		return db, nil
	}
	return nil, fmt.Errorf("%w in %s", ErrNotFound, strings.Join(paths, ", "))
}

// Path is the file the database was read from, empty when parsed from a
// reader.
func (db *Database) Path() string {
	if db == nil {
		return ""
	}
	return db.path
}

// Vendor returns the registered name of vid.
func (db *Database) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the registered name of pid under vid.
func (db *Database) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Len reports the number of vendors and products known.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
