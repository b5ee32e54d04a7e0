package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojolite/core/engine"
	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	"github.com/sushant-115/gojolite/pkg/config/certs"
	"go.uber.org/zap"
)

type InfoCmd struct{}

func (c *InfoCmd) Run(s *session) error {
	info, err := s.engine.Info()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "instance\t%s\n", info.InstanceID)
	fmt.Fprintf(w, "file\t%s\n", info.Filename)
	fmt.Fprintf(w, "encrypted\t%t\n", info.Encrypted)
	fmt.Fprintf(w, "read only\t%t\n", info.ReadOnly)
	fmt.Fprintf(w, "created\t%s\n", info.CreationTime.Format(time.RFC3339))
	fmt.Fprintf(w, "data size\t%d\n", info.DataSize)
	fmt.Fprintf(w, "log size\t%d\n", info.LogSize)
	fmt.Fprintf(w, "last page\t%d\n", info.LastPageID)
	fmt.Fprintf(w, "free empty page\t%s\n", pageRef(info.FreeEmptyPageID))
	fmt.Fprintf(w, "collections\t%s\n", strings.Join(info.Collections, ", "))
	fmt.Fprintf(w, "open transactions\t%d\n", info.OpenTransactions)
	for _, name := range engine.PragmaNames {
		v, err := s.engine.Pragma(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "pragma %s\t%s\n", name, v)
	}
	fmt.Fprintf(w, "cache segments\t%d\n", info.Cache.Segments)
	fmt.Fprintf(w, "cache frames\t%d (free %d, readable %d, writable %d)\n",
		info.Cache.Frames, info.Cache.FreePages, info.Cache.ReadablePages, info.Cache.WritablePages)
	fmt.Fprintf(w, "cache hits/misses\t%d/%d\n", info.Cache.Hits, info.Cache.Misses)
	fmt.Fprintf(w, "disk reads/writes\t%d/%d\n", info.DiskReads, info.DiskWrites)
	return w.Flush()
}

func pageRef(id uint32) string {
	if id == common.EmptyPageID {
		return "-"
	}
	return strconv.FormatUint(uint64(id), 10)
}

type CollectionsCmd struct{}

func (c *CollectionsCmd) Run(s *session) error {
	names, err := s.engine.GetCollectionNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(s.out, name)
	}
	return nil
}

type PageCmd struct {
	ID uint32 `arg:"" help:"Page id"`
}

func (c *PageCmd) Run(s *session) error {
	dump, err := s.engine.DumpPage(s.ctx, c.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, dump)
	return nil
}

type CheckpointCmd struct{}

func (c *CheckpointCmd) Run(s *session) error {
	pages, err := s.engine.Checkpoint(s.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d pages copied\n", pages)
	return nil
}

type PragmaCmd struct {
	Name  string `arg:"" help:"Pragma name"`
	Value string `arg:"" optional:"" help:"New value; omit to read"`
}

func (c *PragmaCmd) Run(s *session) error {
	if c.Value != "" {
		if err := s.engine.SetPragma(s.ctx, c.Name, c.Value); err != nil {
			return err
		}
	}
	v, err := s.engine.Pragma(c.Name)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s = %s\n", strings.ToUpper(c.Name), v)
	return nil
}

type CountCmd struct {
	Collection string `arg:""`
}

func (c *CountCmd) Run(s *session) error {
	n, err := s.engine.Count(s.ctx, c.Collection)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, n)
	return nil
}

type GetCmd struct {
	Collection string `arg:""`
	ID         string `arg:"" help:"Document id; numbers, true/false, null and uuids are typed, anything else is a string"`
}

func (c *GetCmd) Run(s *session) error {
	doc, err := s.engine.FindByID(s.ctx, c.Collection, parseKey(c.ID))
	if err != nil {
		return err
	}
	printDocument(s, doc, true)
	return nil
}

type FindCmd struct {
	Collection string `arg:""`
	Index      string `name:"index" short:"i" default:"_id" help:"Index to query"`
	Eq         string `name:"eq" help:"Keys equal to" xor:"op"`
	Prefix     string `name:"prefix" help:"String keys starting with" xor:"op"`
	Gt         string `name:"gt" help:"Keys greater than" xor:"op"`
	Lt         string `name:"lt" help:"Keys less than" xor:"op"`
	Desc       bool   `name:"desc" help:"Descending order"`
	Limit      int    `name:"limit" short:"n" default:"100" help:"Stop after this many documents; 0 for all"`
}

func (c *FindCmd) query() skiplist.Query {
	switch {
	case c.Eq != "":
		return skiplist.Equals(parseKey(c.Eq))
	case c.Prefix != "":
		return skiplist.StartsWith(c.Prefix)
	case c.Gt != "":
		return skiplist.Greater(parseKey(c.Gt), false)
	case c.Lt != "":
		return skiplist.Less(parseKey(c.Lt), false)
	}
	return skiplist.All()
}

func (c *FindCmd) Run(s *session) error {
	order := common.Ascending
	if c.Desc {
		order = common.Descending
	}
	n := 0
	for doc, err := range s.engine.Find(s.ctx, c.Collection, c.Index, c.query(), order) {
		if err != nil {
			return err
		}
		printDocument(s, doc, false)
		n++
		if c.Limit > 0 && n == c.Limit {
			break
		}
	}
	fmt.Fprintf(s.out, "(%d documents)\n", n)
	return nil
}

func printDocument(s *session, doc *engine.Document, full bool) {
	fmt.Fprintf(s.out, "%s\t%d bytes", doc.ID, len(doc.Payload))
	for name, key := range doc.Keys {
		fmt.Fprintf(s.out, "\t%s=%s", name, key)
	}
	fmt.Fprintln(s.out)
	if full && len(doc.Payload) > 0 {
		fmt.Fprint(s.out, hex.Dump(doc.Payload))
	}
}

// parseKey types a key typed on the command line. Quoted text is always a
// string.
func parseKey(raw string) value.Value {
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return value.String(raw[1 : len(raw)-1])
	}
	switch strings.ToLower(raw) {
	case "null":
		return value.Null()
	case "true":
		return value.Boolean(true)
	case "false":
		return value.Boolean(false)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n == int64(int32(n)) {
			return value.Int32(int32(n))
		}
		return value.Int64(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return value.Double(f)
	}
	if g, err := uuid.Parse(raw); err == nil && len(raw) == 36 {
		return value.Guid(g)
	}
	return value.String(raw)
}

type RebuildCmd struct {
	Collation   string `name:"collation" help:"New collation, e.g. binary or en-US/IgnoreCase"`
	NewPassword string `name:"new-password" help:"Encrypt the rebuilt file with this password" xor:"pw"`
	Decrypt     bool   `name:"decrypt" help:"Write the rebuilt file without encryption" xor:"pw"`
}

func (c *RebuildCmd) Run(s *session) error {
	opts := engine.RebuildOptions{Collation: c.Collation}
	switch {
	case c.NewPassword != "":
		opts.Password = &c.NewPassword
	case c.Decrypt:
		empty := ""
		opts.Password = &empty
	}
	res, err := s.engine.Rebuild(s.ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d collections, %d documents, %d -> %d bytes (%d reclaimed)\n",
		res.Collections, res.Documents, res.SizeBefore, res.SizeAfter, res.Reclaimed())
	return nil
}

type BackupCmd struct {
	Dest string `arg:"" help:"Destination file" type:"path"`
	Rate int64  `name:"rate" help:"Copy rate limit in bytes per second; 0 for unlimited"`
}

func (c *BackupCmd) Run(s *session) error {
	sum, err := s.engine.Backup(s.ctx, c.Dest, c.Rate)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s  %s\n", hex.EncodeToString(sum), c.Dest)
	return nil
}

type MetricsCmd struct {
	Addr        string `name:"addr" default:":9464" help:"Listen address"`
	TLSCert     string `name:"tls-cert" help:"Serve HTTPS with this certificate" type:"existingfile" and:"tls"`
	TLSKey      string `name:"tls-key" help:"Private key of --tls-cert" type:"existingfile" and:"tls"`
	TLSClientCA string `name:"tls-client-ca" help:"Require client certificates signed by this CA" type:"existingfile"`
}

func (c *MetricsCmd) Run(s *session) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.tel.Handler())
	srv := &http.Server{Addr: c.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if c.TLSClientCA != "" && c.TLSCert == "" {
		return fmt.Errorf("--tls-client-ca needs --tls-cert and --tls-key")
	}
	if c.TLSCert != "" {
		cfg, err := certs.ServerTLS(c.TLSCert, c.TLSKey, c.TLSClientCA)
		if err != nil {
			return err
		}
		srv.TLSConfig = cfg
	}

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("serving metrics", zap.String("addr", c.Addr), zap.Bool("tls", srv.TLSConfig != nil))

	select {
	case err := <-errCh:
		return err
	case <-s.ctx.Done():
	}
	if err := srv.Close(); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CertsCmd writes a development CA with server and client certificates
// for the metrics endpoint. It needs no data file.
type CertsCmd struct {
	Dir  string `arg:"" help:"Output directory" type:"path"`
	Host string `name:"host" default:"localhost" help:"Server name or IP"`
}

func (c *CertsCmd) Run(s *session) error {
	if err := certs.Generate(c.Dir, c.Host); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "wrote %s, %s and %s to %s\n", certs.CAFile, certs.ServerFile, certs.ClientFile, c.Dir)
	return nil
}
