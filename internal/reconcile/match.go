package reconcile

import (
	"strings"

	"github.com/beevik/etree"
)

// Declaration is one datasource reference found in a workbook.
type Declaration struct {
	Name       string
	Path       string
	ID         string
	DBName     string
	location   *etree.Element
	connection *etree.Element
	element    *etree.Element
}

// Strategy decides whether a mapping key refers to a declaration.
type Strategy struct {
	Name  string
	Match func(d *Declaration, key string) bool
}

// Strategies are tried in order; the first one that matches any key wins.
var Strategies = []Strategy{
	{Name: "path", Match: func(d *Declaration, key string) bool {
		return d.Path != "" && strings.Contains(d.Path, key)
	}},
	{Name: "id", Match: func(d *Declaration, key string) bool {
		return d.ID != "" && d.ID == key
	}},
	{Name: "dbname", Match: func(d *Declaration, key string) bool {
		return d.DBName != "" && d.DBName == key
	}},
}

// Match returns the mapping entry that refers to d and the strategy that
// found it.
func Match(d *Declaration, m *Mapping) (Entry, string, bool) {
	for _, s := range Strategies {
		for _, e := range m.Entries() {
			if s.Match(d, e.Old) {
				return e, s.Name, true
			}
		}
	}
	return Entry{}, "", false
}

// findDeclaration reads the identifying attributes of a datasource element.
func findDeclaration(ds *etree.Element) *Declaration {
	d := &Declaration{element: ds}
	d.Name = ds.SelectAttrValue("caption", ds.SelectAttrValue("name", ""))

	for _, child := range ds.ChildElements() {
		if child.Tag == "repository-location" {
			d.location = child
			d.Path = child.SelectAttrValue("path", "")
			d.ID = child.SelectAttrValue("id", "")
			break
		}
	}

	d.connection = findConnection(ds)
	if d.connection != nil {
		d.DBName = d.connection.SelectAttrValue("dbname", "")
	}
	return d
}

// findConnection returns the connection that carries the datasource's
// dbname. A direct connection child is preferred; federated connections keep
// the dbname on a connection nested under named-connections, so those are
// searched next. Without any dbname the direct child is returned.
func findConnection(ds *etree.Element) *etree.Element {
	var direct *etree.Element
	for _, child := range ds.ChildElements() {
		if child.Tag == "connection" {
			direct = child
			break
		}
	}
	if direct != nil && direct.SelectAttr("dbname") != nil {
		return direct
	}
	for _, child := range ds.ChildElements() {
		if child.Tag != "connection" && !strings.Contains(child.Tag, "named-connection") {
			continue
		}
		for _, nested := range child.FindElements(".//connection") {
			if nested.SelectAttr("dbname") != nil {
				return nested
			}
		}
	}
	return direct
}
