package usbids

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `#
# List of USB IDs
#	vendor  vendor_name
#		device  device_name
#			interface  interface_name

1209  Generic
	0001  pid.codes Test PID
	cafe  Keyboard  with  spaces
		00  interface line ignored
16c0  Van Ooijen Technische Informatica
	05dc  shared ID for use with libusb
bad!  not an id
	0002  orphan product
abcd

# List of known device classes, subclasses and protocols
C 00  (Defined at Interface level)
	01  Audio
L 0001  Arabic
	0401  Saudi Arabia
`

func TestParse(t *testing.T) {
	db, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "Generic", db.Vendor(0x1209))
	assert.Equal(t, "pid.codes Test PID", db.Product(0x1209, 0x0001))
	assert.Equal(t, "Keyboard  with  spaces", db.Product(0x1209, 0xCAFE))
	assert.Equal(t, "Van Ooijen Technische Informatica", db.Vendor(0x16C0))
	assert.Equal(t, "shared ID for use with libusb", db.Product(0x16C0, 0x05DC))

	assert.Empty(t, db.Product(0x16C0, 0x0002), "product after an invalid vendor line")
	assert.Empty(t, db.Vendor(0xABCD), "vendor without a name")
	assert.Empty(t, db.Product(0x1209, 0x0401), "class and language tables")

	vendors, products := db.Len()
	assert.Equal(t, 2, vendors)
	assert.Equal(t, 3, products)
	assert.Empty(t, db.Path())
}

func TestNilDatabase(t *testing.T) {
	var db *Database
	assert.Empty(t, db.Vendor(1))
	assert.Empty(t, db.Product(1, 2))
	vendors, products := db.Len()
	assert.Zero(t, vendors+products)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	db, err := Open(filepath.Join(dir, "missing.ids"), path)
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())
	assert.Equal(t, "Generic", db.Vendor(0x1209))

	_, err = Open(filepath.Join(dir, "missing.ids"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Open(dir)
	assert.Error(t, err, "a directory is not a database")
}
