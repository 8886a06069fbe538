// Package rules implements the server's target whitelist.
//
// A rules file holds one <host>:<port> entry per line. "*" matches any host,
// and port "*" (or 0) matches any port. Blank lines and lines starting with
// '#' are ignored. Invalid lines are skipped with a warning.
package rules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/rtctun/internal/util"
)

// Wildcard matches any host, or any port when used as the port.
const Wildcard = "*"

// Rule allows tunnels to one host and port. Port 0 means any port.
type Rule struct {
	Host string
	Port uint16
}

// Matches reports whether r allows host:port.
func (r Rule) Matches(host string, port uint16) bool {
	if r.Host != Wildcard && !strings.EqualFold(r.Host, host) {
		return false
	}
	return r.Port == 0 || r.Port == port
}

func (r Rule) String() string {
	port := Wildcard
	if r.Port != 0 {
		port = strconv.Itoa(int(r.Port))
	}
	return net.JoinHostPort(r.Host, port)
}

// Parse reads rules from r.
func Parse(r io.Reader) ([]Rule, error) {
	var out []Rule
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line)
		if err != nil {
			util.LogWarning("rules: skipping line %d: %v", lineNo, err)
			continue
		}
		out = append(out, rule)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return out, nil
}

func parseLine(line string) (Rule, error) {
	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return Rule{}, fmt.Errorf("%q: %w", line, err)
	}
	if host == "" {
		return Rule{}, fmt.Errorf("%q: empty host", line)
	}
	if portStr == Wildcard {
		return Rule{Host: host}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Rule{}, fmt.Errorf("%q: invalid port", line)
	}
	return Rule{Host: host, Port: uint16(port)}, nil
}

// Rules is a whitelist loaded from a file. It reloads the file when its
// modification time changes. A nil *Rules allows every target.
type Rules struct {
	path string

	mu    sync.Mutex
	rules []Rule
	mtime time.Time
}

// Load reads the whitelist at path.
func Load(path string) (*Rules, error) {
	r := &Rules{path: path}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rules file: %w", err)
	}
	if err := r.reload(info.ModTime()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rules) reload(mtime time.Time) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("rules file: %w", err)
	}
	defer f.Close()

	parsed, err := Parse(f)
	if err != nil {
		return err
	}
	r.rules = parsed
	r.mtime = mtime
	util.LogInfo("Loaded %d rule(s) from %s", len(parsed), r.path)
	return nil
}

// refresh reloads the file when it changed. A file that disappeared leaves
// no rules, so nothing is allowed until it comes back.
func (r *Rules) refresh() {
	info, err := os.Stat(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		if r.rules != nil {
			util.LogWarning("Rules file %s removed, denying all targets", r.path)
		}
		r.rules = nil
		r.mtime = time.Time{}
		return
	}
	if err != nil {
		util.LogWarning("rules: stat %s: %v", r.path, err)
		return
	}
	if info.ModTime().Equal(r.mtime) {
		return
	}
	if err := r.reload(info.ModTime()); err != nil {
		util.LogWarning("rules: %v", err)
	}
}

// Allowed reports whether a tunnel to host:port may be opened.
func (r *Rules) Allowed(host string, port uint16) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refresh()
	for _, rule := range r.rules {
		if rule.Matches(host, port) {
			return true
		}
	}
	return false
}

// Len returns the number of loaded rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rules)
}
