package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/renderd"
	tlsutil "github.com/loykin/renderd/internal/tls"
	"github.com/loykin/renderd/pkg/client"
)

const defaultAPIURL = client.DefaultBaseURL

type command struct {
	global *GlobalFlags
	api    *APIFlags
	out    io.Writer
}

// client builds an API client from --api-url, else from the listen address
// in --config, else the default URL.
func (c *command) client() (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.BaseURL = c.api.URL
	caCert := c.api.CACert
	if cfg.BaseURL == "" {
		ep, err := endpointFromConfig(c.global.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.BaseURL = ep.url
		if caCert == "" {
			caCert = ep.caCert
		}
	}
	if c.api.Timeout > 0 {
		cfg.Timeout = c.api.Timeout
	}
	cfg.Insecure = c.api.Insecure
	if caCert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: caCert}
	}
	return client.New(cfg)
}

type endpoint struct {
	url    string
	caCert string
}

// endpointFromConfig derives the API URL a local client should use from the
// daemon's config. A self-signed CA in server.tls.dir is picked up too.
func endpointFromConfig(path string) (endpoint, error) {
	if path == "" {
		return endpoint{url: defaultAPIURL}, nil
	}
	cfg, err := renderd.LoadConfig(path)
	if err != nil {
		return endpoint{}, err
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return endpoint{}, fmt.Errorf("server.listen %q: %w", cfg.Server.Listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	ep := endpoint{}
	scheme := "http"
	if t := cfg.Server.TLS; t.Enabled {
		scheme = "https"
		if t.Dir != "" && t.CertFile == "" {
			ep.caCert = filepath.Join(t.Dir, tlsutil.CACertFile)
		}
	}
	ep.url = scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(cfg.Server.BasePath, "/")
	return ep, nil
}

func (c *command) Ensure(ctx context.Context, f EnsureFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Ensure(ctx, f.Key, f.CasePath)
	if res.Status != "" {
		printJSON(c.out, res)
	}
	return err
}

func (c *command) Stop(ctx context.Context, f KeyFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Stop(ctx, f.Key)
	if res.Status != "" {
		printJSON(c.out, res)
	}
	return err
}

func (c *command) Touch(ctx context.Context, f KeyFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.Touch(ctx, f.Key); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "touched %s\n", f.Key)
	return nil
}

func (c *command) List(ctx context.Context, f ListFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	l, err := cl.List(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, l)
		return nil
	}
	printListing(c.out, l)
	return nil
}

func (c *command) Get(ctx context.Context, f KeyFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	rec, err := cl.Get(ctx, f.Key)
	if err != nil {
		return err
	}
	printJSON(c.out, rec)
	return nil
}

func (c *command) Delete(ctx context.Context, f KeyFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.Remove(ctx, f.Key); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "removed %s\n", f.Key)
	return nil
}

func (c *command) CleanupDead(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	keys, err := cl.CleanupDead(ctx)
	if err != nil {
		return err
	}
	printKeys(c.out, "stale", keys)
	return nil
}

func (c *command) CleanupInactive(ctx context.Context, f CleanupFlags) error {
	if f.MaxAge < 0 {
		return fmt.Errorf("--max-age must not be negative")
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	keys, err := cl.CleanupInactive(ctx, f.MaxAge)
	if err != nil {
		return err
	}
	printKeys(c.out, "inactive", keys)
	return nil
}

func (c *command) ReleasePort(ctx context.Context, f ReleaseFlags) error {
	if f.Port <= 0 || f.Port > 65535 {
		return fmt.Errorf("invalid port %d", f.Port)
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	released, err := cl.ReleasePort(ctx, f.Port)
	if err != nil {
		return err
	}
	if released {
		_, _ = fmt.Fprintf(c.out, "port %d released\n", f.Port)
	} else {
		_, _ = fmt.Fprintf(c.out, "port %d was not held\n", f.Port)
	}
	return nil
}

func printKeys(w io.Writer, kind string, keys []string) {
	if len(keys) == 0 {
		_, _ = fmt.Fprintf(w, "no %s servers\n", kind)
		return
	}
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "stopped %s (%s)\n", k, kind)
	}
}

func printListing(w io.Writer, l client.Listing) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tSTATUS\tALIVE\tPORT\tPID\tLAST ACTIVITY\tCASE")
	for _, e := range l.Records {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%s\t%s\n",
			e.Key, e.Status, e.Alive, e.Port, pidString(e.PID), since(e.LastActivity), e.CasePath)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\n%d record(s), ports %d-%d, free: %s\n",
		l.TotalCount, l.PortRange[0], l.PortRange[1], joinInts(l.AvailablePorts))
}

func pidString(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}

func joinInts(v []int) string {
	if len(v) == 0 {
		return "none"
	}
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}
