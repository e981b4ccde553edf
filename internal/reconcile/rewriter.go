package reconcile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/beevik/etree"

	"github.com/BadgerOps/bimigrate/internal/artifact"
)

// Change records one rewritten declaration.
type Change struct {
	Datasource string `json:"datasource,omitempty"`
	Strategy   string `json:"strategy"`
	OldKey     string `json:"old_key"`
	NewKey     string `json:"new_key"`
	OldPath    string `json:"old_path,omitempty"`
	NewPath    string `json:"new_path,omitempty"`
	PathRule   string `json:"path_rule,omitempty"`
}

// Result summarizes one rewrite pass.
type Result struct {
	Scanned int      `json:"scanned"`
	Skipped int      `json:"skipped"`
	Changes int      `json:"changes"`
	Changed []Change `json:"changed,omitempty"`
}

// Rewriter applies a Mapping to workbook documents.
type Rewriter struct {
	site   string
	logger *slog.Logger
}

// NewRewriter creates a rewriter. site is the content URL of the signed-in
// target site, used when a reference path carries no site of its own.
func NewRewriter(site string, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{site: site, logger: logger}
}

// RewriteFile rewrites a .twb/.tds file, or the document inside a
// .twbx/.tdsx package, in place. The file is only written when at least one
// declaration changed.
func (r *Rewriter) RewriteFile(path string, m *Mapping) (Result, error) {
	name := filepath.Base(path)

	switch {
	case artifact.IsPackaged(name):
		entry, data, err := artifact.ReadPackagedDocument(path)
		if err != nil {
			return Result{}, err
		}
		out, res, err := r.RewriteBytes(data, m)
		if err != nil {
			return res, fmt.Errorf("%s in %s: %w", entry, name, err)
		}
		if res.Changes == 0 {
			return res, nil
		}
		if err := artifact.ReplacePackagedDocument(path, entry, out); err != nil {
			return res, err
		}
		return res, nil

	case artifact.IsDocument(name):
		data, err := os.ReadFile(path)
		if err != nil {
			return Result{}, fmt.Errorf("reading %s: %w", name, err)
		}
		out, res, err := r.RewriteBytes(data, m)
		if err != nil {
			return res, fmt.Errorf("%s: %w", name, err)
		}
		if res.Changes == 0 {
			return res, nil
		}
		if err := writeFileAtomic(path, out); err != nil {
			return res, err
		}
		return res, nil

	default:
		return Result{}, fmt.Errorf("unsupported file type %q (want .twb, .twbx, .tds or .tdsx)", filepath.Ext(name))
	}
}

// RewriteBytes parses an XML document, rewrites it and returns the
// serialized result. When nothing changed the input is returned unchanged.
func (r *Rewriter) RewriteBytes(data []byte, m *Mapping) ([]byte, Result, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, Result{}, fmt.Errorf("parsing document: %w", err)
	}
	res := r.RewriteDocument(doc, m)
	if res.Changes == 0 {
		return data, res, nil
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, res, fmt.Errorf("serializing document: %w", err)
	}
	return out, res, nil
}

// RewriteDocument walks every datasource declaration of the workbook and
// rewrites the ones a mapping key refers to. A pass with no changes is logged
// as a warning; it usually means the keys do not match the document's shape.
func (r *Rewriter) RewriteDocument(doc *etree.Document, m *Mapping) Result {
	var res Result
	for _, ds := range declarations(doc) {
		res.Scanned++
		d := findDeclaration(ds)

		r.logger.Debug("scanning datasource declaration",
			"name", d.Name, "path", d.Path, "id", d.ID, "dbname", d.DBName)

		if d.Path == "" && d.ID == "" {
			res.Skipped++
			continue
		}

		entry, strategy, ok := Match(d, m)
		if !ok {
			continue
		}
		change := r.apply(d, entry)
		change.Strategy = strategy
		res.Changes++
		res.Changed = append(res.Changed, change)

		r.logger.Info("datasource reference rewritten",
			"name", d.Name, "matched_on", strategy, "old", entry.Old, "new", entry.New, "path", change.NewPath)
	}

	if res.Changes == 0 && m.Len() > 0 {
		r.logger.Warn("no datasource references matched the mapping",
			"scanned", res.Scanned, "keys", m.Len())
	}
	return res
}

func (r *Rewriter) apply(d *Declaration, e Entry) Change {
	change := Change{Datasource: d.Name, OldKey: e.Old, NewKey: e.New, OldPath: d.Path}

	if d.location != nil {
		if d.Path != "" {
			newPath, rule := rewritePath(d.Path, e.New, r.site)
			if rule == RuleBarePath {
				r.logger.Warn("reference path rebuilt without a site, verify it on the target server",
					"name", d.Name, "old_path", d.Path, "new_path", newPath)
			}
			d.location.CreateAttr("path", newPath)
			change.NewPath = newPath
			change.PathRule = rule
		}
		d.location.CreateAttr("id", e.New)
	}

	if d.connection != nil {
		d.connection.CreateAttr("dbname", e.New)
	}
	stripCredentials(d.element)
	return change
}

// stripCredentials clears usernames and removes passwords from every
// connection element inside a declaration.
func stripCredentials(ds *etree.Element) {
	for _, conn := range ds.FindElements(".//connection") {
		if conn.SelectAttr("username") != nil {
			conn.CreateAttr("username", "")
		}
		conn.RemoveAttr("password")
	}
}

// declarations returns the datasource elements of a workbook, or the root
// itself for a standalone datasource document.
func declarations(doc *etree.Document) []*etree.Element {
	root := doc.Root()
	if root == nil {
		return nil
	}
	if root.Tag == "datasource" {
		return []*etree.Element{root}
	}
	var out []*etree.Element
	for _, child := range root.ChildElements() {
		if child.Tag != "datasources" {
			continue
		}
		for _, ds := range child.ChildElements() {
			if ds.Tag == "datasource" {
				out = append(out, ds)
			}
		}
	}
	return out
}

func writeFileAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
