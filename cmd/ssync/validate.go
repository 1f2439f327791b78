package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/simon8233/ssync/engine"
)

// usageError marks command line mistakes. They exit with status 2 and never
// reach the engine.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// parseInvocation validates the positional arguments
//
//	SOURCE... [USER@]%h:DESTDIR -- HOST [HOST...]
//
// and returns the transfer spec plus the host list.
func parseInvocation(cmd *cobra.Command, args []string) (engine.TransferSpec, []string, error) {
	var spec engine.TransferSpec

	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return spec, nil, usagef("missing '--' between the destination and the host list")
	}
	leading, hosts := args[:dash], args[dash:]

	if len(leading) < 2 {
		return spec, nil, usagef("need at least one SOURCE and a destination before '--'")
	}
	if len(hosts) == 0 {
		return spec, nil, usagef("need at least one host after '--'")
	}

	sources := leading[:len(leading)-1]
	for _, src := range sources {
		if src == "" {
			return spec, nil, usagef("empty source path")
		}
	}

	dest := leading[len(leading)-1]
	user, dir, err := parseDestination(dest)
	if err != nil {
		return spec, nil, err
	}

	for _, h := range hosts {
		if h == "" || strings.ContainsAny(h, " \t") {
			return spec, nil, usagef("invalid host %q", h)
		}
	}

	spec = engine.TransferSpec{
		Sources:  sources,
		User:     user,
		Dir:      dir,
		Template: dest,
	}
	return spec, hosts, nil
}

// parseDestination splits [USER@]%h:DESTDIR. The host part must be exactly
// the marker: the template is shared by every host and concretized per
// transfer. The directory doubles as the delegate working directory on every
// relay, so it has to be absolute, marker-free and without a trailing slash.
func parseDestination(dest string) (user, dir string, err error) {
	i := strings.IndexByte(dest, ':')
	if i < 0 {
		return "", "", usagef("destination %q must look like [USER@]%s:DESTDIR", dest, engine.HostMark)
	}
	hostPart := dest[:i]
	dir = dest[i+1:]

	if j := strings.IndexByte(hostPart, '@'); j >= 0 {
		user, hostPart = hostPart[:j], hostPart[j+1:]
		if user == "" {
			return "", "", usagef("empty user in destination %q", dest)
		}
	}
	if hostPart != engine.HostMark {
		return "", "", usagef("destination host must be the marker %s, got %q", engine.HostMark, hostPart)
	}
	if !strings.HasPrefix(dir, "/") {
		return "", "", usagef("destination directory %q must be absolute", dir)
	}
	if len(dir) > 1 && strings.HasSuffix(dir, "/") {
		return "", "", usagef("destination directory %q must not end with '/'", dir)
	}
	if strings.Contains(dir, engine.HostMark) {
		return "", "", usagef("destination directory %q must not contain the host marker", dir)
	}
	return user, dir, nil
}
