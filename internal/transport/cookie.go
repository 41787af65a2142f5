// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package transport

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
)

// DiskCookieSource implements internal/auth's CookieSource by reading
// `$HOME/.dbus-keyrings/<keyring>` (spec.md §6), where each line is
// `<id> <time> <cookie-hex>`.
type DiskCookieSource struct {
	// Dir overrides the keyring directory; if empty, $HOME/.dbus-keyrings.
	Dir string
}

func (d DiskCookieSource) dir() (string, error) {
	if d.Dir != "" {
		return d.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", dbuserr.Wrap(dbuserr.Transport, "transport: cannot locate home directory", err)
	}
	return filepath.Join(home, ".dbus-keyrings"), nil
}

// Lookup finds the cookie with the given id in the named keyring file.
func (d DiskCookieSource) Lookup(keyring, id string) (string, error) {
	dir, err := d.dir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, keyring)
	f, err := os.Open(path)
	if err != nil {
		return "", dbuserr.Wrap(dbuserr.Transport, "transport: opening cookie file failed", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			continue
		}
		if fields[0] == id {
			return fields[2], nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", dbuserr.Wrap(dbuserr.Transport, "transport: reading cookie file failed", err)
	}
	return "", dbuserr.TransportErr("transport: no cookie with id %q in keyring %q", id, keyring)
}
