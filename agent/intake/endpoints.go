package intake

import (
	"context"
	"path"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// maxPathHint bounds how much of a long dynamic path ends up in the
// contract.
const maxPathHint = 80

var axiosMethods = map[string]string{
	"get":    "GET",
	"post":   "POST",
	"put":    "PUT",
	"patch":  "PATCH",
	"delete": "DELETE",
}

// scanEndpoints walks the JS/TS sources under root and collects
// fetch(), axios.<method>() and axios({...}) call sites. Files the
// syntax parser rejects fall back to pattern matching; the count of
// such files is returned alongside the merged endpoints.
func scanEndpoints(ctx context.Context, root string) ([]Endpoint, int, error) {
	calls := newCallCollector()
	fallbackFiles := 0

	err := walkSourceFiles(root, func(relPath string, content []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		eps, err := parseFileCalls(ctx, relPath, content)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fallbackFiles++
			eps = scanCallsFallback(relPath, content)
		}
		for _, ep := range eps {
			calls.add(ep)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return calls.endpoints(), fallbackFiles, nil
}

// parseFileCalls extracts API call sites from one file via tree-sitter.
func parseFileCalls(ctx context.Context, relPath string, content []byte) ([]Endpoint, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(languageFor(relPath))

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var eps []Endpoint
	cursor := sitter.NewTreeCursor(tree.RootNode())
	defer cursor.Close()
	walkCalls(cursor, content, relPath, &eps)
	return eps, nil
}

func languageFor(relPath string) *sitter.Language {
	switch strings.ToLower(path.Ext(relPath)) {
	case ".tsx":
		return tsx.GetLanguage()
	case ".ts":
		return typescript.GetLanguage()
	default:
		return javascript.GetLanguage()
	}
}

// walkCalls recursively visits the AST and records recognized API
// calls in source order.
func walkCalls(cursor *sitter.TreeCursor, source []byte, relPath string, eps *[]Endpoint) {
	node := cursor.CurrentNode()
	if node.Type() == "call_expression" {
		if ep, ok := parseCall(node, source, relPath); ok {
			*eps = append(*eps, ep)
		}
	}

	if cursor.GoToFirstChild() {
		for {
			walkCalls(cursor, source, relPath, eps)
			if !cursor.GoToNextSibling() {
				break
			}
		}
		cursor.GoToParent()
	}
}

// parseCall recognizes fetch(url, opts?), window.fetch-style member
// calls, axios.<method>(url, ...) and the axios({url, method}) config
// form. Anything else is not an API call site.
func parseCall(node *sitter.Node, source []byte, relPath string) (Endpoint, bool) {
	fn := node.ChildByFieldName("function")
	args := node.ChildByFieldName("arguments")
	if fn == nil || args == nil {
		return Endpoint{}, false
	}

	locs := []SourceLocation{{File: relPath, Line: int(node.StartPoint().Row) + 1}}

	switch fn.Type() {
	case "identifier":
		switch nodeText(fn, source) {
		case "fetch":
			return parseFetchCall(args, source, locs), true
		case "axios":
			first := argument(args, 0)
			if first == nil {
				return Endpoint{}, false
			}
			if first.Type() == "object" {
				return parseAxiosConfig(first, source, locs), true
			}
			// axios(url) shorthand issues a GET.
			return requestEndpoint("GET", first, source, locs), true
		}

	case "member_expression":
		obj := fn.ChildByFieldName("object")
		prop := fn.ChildByFieldName("property")
		if obj == nil || prop == nil {
			break
		}
		switch {
		case nodeText(prop, source) == "fetch":
			return parseFetchCall(args, source, locs), true
		case nodeText(obj, source) == "axios":
			method, ok := axiosMethods[nodeText(prop, source)]
			if !ok {
				break
			}
			first := argument(args, 0)
			if first == nil {
				return Endpoint{}, false
			}
			return requestEndpoint(method, first, source, locs), true
		}
	}
	return Endpoint{}, false
}

// parseFetchCall reads fetch(url, options?). The method defaults to
// GET unless the options object names one.
func parseFetchCall(args *sitter.Node, source []byte, locs []SourceLocation) Endpoint {
	method := "GET"
	if opts := argument(args, 1); opts != nil && opts.Type() == "object" {
		if m := objectString(opts, source, "method"); m != "" {
			method = strings.ToUpper(m)
		}
	}
	first := argument(args, 0)
	if first == nil {
		return Endpoint{Method: method, PathHint: "dynamic", Dynamic: true, SourceLocations: locs}
	}
	return requestEndpoint(method, first, source, locs)
}

// parseAxiosConfig reads the axios({url, method, ...}) form.
func parseAxiosConfig(obj *sitter.Node, source []byte, locs []SourceLocation) Endpoint {
	method := "GET"
	if m := objectString(obj, source, "method"); m != "" {
		method = strings.ToUpper(m)
	}
	urlNode := objectValue(obj, source, "url")
	if urlNode == nil {
		return Endpoint{Method: method, PathHint: "dynamic", Dynamic: true, SourceLocations: locs}
	}
	return requestEndpoint(method, urlNode, source, locs)
}

func requestEndpoint(method string, urlNode *sitter.Node, source []byte, locs []SourceLocation) Endpoint {
	hint, dynamic := extractURL(urlNode, source)
	return Endpoint{Method: method, PathHint: hint, Dynamic: dynamic, SourceLocations: locs}
}

// extractURL resolves a call argument to a path hint. Literal strings
// and substitution-free templates are static; everything else is
// dynamic.
func extractURL(node *sitter.Node, source []byte) (string, bool) {
	switch node.Type() {
	case "string":
		return truncateHint(stringContent(node, source)), false
	case "template_string":
		dynamic := false
		for i := 0; i < int(node.NamedChildCount()); i++ {
			if node.NamedChild(i).Type() == "template_substitution" {
				dynamic = true
				break
			}
		}
		return truncateHint(strings.Trim(nodeText(node, source), "`")), dynamic
	default:
		return "dynamic", true
	}
}

// argument returns the nth argument of a call, skipping comments.
func argument(args *sitter.Node, n int) *sitter.Node {
	idx := 0
	for i := 0; i < int(args.NamedChildCount()); i++ {
		child := args.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		if idx == n {
			return child
		}
		idx++
	}
	return nil
}

// objectValue finds the value node for a key in an object literal.
func objectValue(obj *sitter.Node, source []byte, key string) *sitter.Node {
	for i := 0; i < int(obj.NamedChildCount()); i++ {
		pair := obj.NamedChild(i)
		if pair.Type() != "pair" {
			continue
		}
		keyNode := pair.ChildByFieldName("key")
		if keyNode == nil {
			continue
		}
		name := nodeText(keyNode, source)
		if keyNode.Type() == "string" {
			name = stringContent(keyNode, source)
		}
		if name == key {
			return pair.ChildByFieldName("value")
		}
	}
	return nil
}

// objectString reads a string-valued key from an object literal.
func objectString(obj *sitter.Node, source []byte, key string) string {
	value := objectValue(obj, source, key)
	if value == nil || value.Type() != "string" {
		return ""
	}
	return stringContent(value, source)
}

// stringContent strips the surrounding quotes from a string node.
func stringContent(node *sitter.Node, source []byte) string {
	text := nodeText(node, source)
	if len(text) >= 2 {
		switch text[0] {
		case '"', '\'', '`':
			return text[1 : len(text)-1]
		}
	}
	return text
}

// nodeText returns the text content of a node.
func nodeText(node *sitter.Node, source []byte) string {
	return node.Content(source)
}

func truncateHint(hint string) string {
	if len(hint) > maxPathHint {
		return hint[:maxPathHint] + "..."
	}
	return hint
}

// callCollector merges call sites that resolve to the same endpoint
// while preserving discovery order.
type callCollector struct {
	order []endpointKey
	byKey map[endpointKey]*Endpoint
}

type endpointKey struct {
	method  string
	path    string
	dynamic bool
}

func newCallCollector() *callCollector {
	return &callCollector{byKey: map[endpointKey]*Endpoint{}}
}

func (c *callCollector) add(ep Endpoint) {
	key := endpointKey{ep.Method, ep.PathHint, ep.Dynamic}
	if existing, ok := c.byKey[key]; ok {
		existing.SourceLocations = append(existing.SourceLocations, ep.SourceLocations...)
		return
	}
	entry := ep
	c.byKey[key] = &entry
	c.order = append(c.order, key)
}

func (c *callCollector) endpoints() []Endpoint {
	eps := []Endpoint{}
	for _, key := range c.order {
		eps = append(eps, *c.byKey[key])
	}
	return eps
}

var (
	fetchFallbackPattern = regexp.MustCompile("fetch\\s*\\(\\s*([\"'`])([^\"'`]*)")
	axiosFallbackPattern = regexp.MustCompile("axios\\.(get|post|put|patch|delete)\\s*\\(\\s*([\"'`])([^\"'`]*)")
)

// scanCallsFallback pattern-matches call sites in files the syntax
// parser rejected. It only sees quoted first arguments; method options
// and the axios config form are beyond what the patterns can carry.
func scanCallsFallback(relPath string, content []byte) []Endpoint {
	text := string(content)
	var eps []Endpoint

	for _, m := range fetchFallbackPattern.FindAllStringSubmatchIndex(text, -1) {
		quote := text[m[2]:m[3]]
		url := text[m[4]:m[5]]
		eps = append(eps, fallbackEndpoint("GET", quote, url, relPath, lineAt(text, m[0])))
	}
	for _, m := range axiosFallbackPattern.FindAllStringSubmatchIndex(text, -1) {
		method := strings.ToUpper(text[m[2]:m[3]])
		quote := text[m[4]:m[5]]
		url := text[m[6]:m[7]]
		eps = append(eps, fallbackEndpoint(method, quote, url, relPath, lineAt(text, m[0])))
	}
	return eps
}

func fallbackEndpoint(method, quote, url, relPath string, line int) Endpoint {
	dynamic := quote == "`" && strings.Contains(url, "${")
	return Endpoint{
		Method:          method,
		PathHint:        truncateHint(url),
		Dynamic:         dynamic,
		SourceLocations: []SourceLocation{{File: relPath, Line: line}},
	}
}

func lineAt(text string, offset int) int {
	return strings.Count(text[:offset], "\n") + 1
}
