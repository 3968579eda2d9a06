package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/loom/pkg/asm"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "loom-lsp"

// LspServer gives editors live feedback on routine source files: parse
// diagnostics from the assembler, opcode completion and hover, and label
// navigation. The target VM is read-only here, so no worker is involved.
type LspServer struct {
	vm *target.VM

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a language server checking documents against vm.
func NewLSP(vm *target.VM) *LspServer {
	s := &LspServer{
		vm:      vm,
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Infof("language server initializing for %s", s.vm)

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"$", "%"},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			text := whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}

	return s.complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}

	return s.hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	name, ok := labelName(extractWord(text, params.Position))
	if !ok {
		return nil, nil
	}

	line, col, found := labelBinding(text, name)
	if !found {
		return nil, nil
	}

	return []protocol.Location{{
		URI:   params.TextDocument.URI,
		Range: spanRange(line, col, col+len(name)+2),
	}}, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	name, ok := labelName(extractWord(text, params.Position))
	if !ok {
		return nil, nil
	}

	var locations []protocol.Location
	for _, span := range labelMentions(text, name) {
		locations = append(locations, protocol.Location{
			URI:   params.TextDocument.URI,
			Range: spanRange(span.line, span.start, span.end),
		})
	}
	return locations, nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Completion ---

func (s *LspServer) complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem

	switch {
	case strings.HasPrefix(prefix, "$") || strings.HasPrefix(prefix, "."):
		kind := protocol.CompletionItemKindReference
		detail := "label"
		for _, name := range documentLabels(text) {
			full := prefix[:1] + name
			if strings.HasPrefix(full, prefix) {
				insert := full
				items = append(items, protocol.CompletionItem{
					Label:      full,
					Kind:       &kind,
					Detail:     &detail,
					InsertText: &insert,
				})
			}
		}

	case strings.HasPrefix(prefix, "%"):
		kind := protocol.CompletionItemKindVariable
		for _, rc := range s.vm.Registers {
			label := fmt.Sprintf("%%%c", rc.Char)
			detail := fmt.Sprintf("register class (%d fast)", rc.Fast)
			insert := label
			items = append(items, protocol.CompletionItem{
				Label:      label,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &insert,
			})
		}

	default:
		kind := protocol.CompletionItemKindKeyword
		lower := strings.ToLower(prefix)
		for _, op := range sir.AllOpcodes() {
			info := sir.Info(op)
			if strings.HasPrefix(info.Name, lower) {
				detail := opcodeDetail(info)
				insert := info.Name
				items = append(items, protocol.CompletionItem{
					Label:      info.Name,
					Kind:       &kind,
					Detail:     &detail,
					InsertText: &insert,
				})
			}
		}
	}

	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

// --- Hover ---

func (s *LspServer) hover(text, word string) *protocol.Hover {
	if name, ok := labelName(word); ok {
		return s.hoverLabel(text, name)
	}
	if strings.HasPrefix(word, "%") {
		return s.hoverRegister(word)
	}
	return hoverOpcode(word)
}

func hoverOpcode(word string) *protocol.Hover {
	op, ok := sir.ByName(word)
	if !ok {
		return nil
	}
	info := sir.Info(op)

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n\n", info.Name)
	if len(info.Params) > 0 {
		parts := make([]string, len(info.Params))
		for i, p := range info.Params {
			parts[i] = p.String()
		}
		fmt.Fprintf(&b, "takes %s\n\n", strings.Join(parts, ", "))
	}
	b.WriteString(stackEffect(info))

	return markdownHover(b.String())
}

func (s *LspServer) hoverLabel(text, name string) *protocol.Hover {
	if name == "" {
		return nil
	}
	if line, _, found := labelBinding(text, name); found {
		return markdownHover(fmt.Sprintf("**$%s**\n\nbound at line %d", name, line+1))
	}
	return markdownHover(fmt.Sprintf("**$%s**\n\nnever bound in this document", name))
}

func (s *LspServer) hoverRegister(word string) *protocol.Hover {
	if len(word) < 2 {
		return nil
	}
	class := rune(word[1])
	i, ok := s.vm.Class(class)
	if !ok {
		return markdownHover(fmt.Sprintf("**%s**\n\nno register class %q on %s", word, string(class), s.vm))
	}
	rc := s.vm.Registers[i]

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n\n", word)
	fmt.Fprintf(&b, "register class %c: %d fast registers", rc.Char, rc.Fast)
	if idx, err := parseIndex(word[2:]); err == nil && idx >= rc.Fast {
		fmt.Fprintf(&b, "\n\nindex %d spills to a slow slot", idx)
	}
	return markdownHover(b.String())
}

func markdownHover(value string) *protocol.Hover {
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: value,
		},
	}
}

// opcodeDetail is the one-line completion detail for an opcode.
func opcodeDetail(info sir.OpcodeInfo) string {
	if len(info.Params) == 0 {
		return stackEffect(info)
	}
	parts := make([]string, len(info.Params))
	for i, p := range info.Params {
		parts[i] = p.String()
	}
	return fmt.Sprintf("takes %s; %s", strings.Join(parts, ", "), stackEffect(info))
}

func stackEffect(info sir.OpcodeInfo) string {
	if info.Pops < 0 || info.Pushes < 0 {
		return "variable stack effect"
	}
	s := fmt.Sprintf("pops %d, pushes %d", info.Pops, info.Pushes)
	if info.RPops > 0 || info.RPushes > 0 {
		s += fmt.Sprintf("; return stack pops %d, pushes %d", info.RPops, info.RPushes)
	}
	return s
}

func parseIndex(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := s.diagnosticsFor(text)

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// diagnosticsFor assembles the document and converts the failure, if
// any, into a diagnostic. Assembling is side-effect free, so documents
// are checked whole on every change.
func (s *LspServer) diagnosticsFor(text string) []protocol.Diagnostic {
	mr, err := asm.Assemble(s.vm, "", text)
	if err == nil {
		mr.Destroy()
		return []protocol.Diagnostic{}
	}

	line, start, end := errorSpan(text, err)
	severity := protocol.DiagnosticSeverityError
	source := lspName
	return []protocol.Diagnostic{{
		Range:    spanRange(line, start, end),
		Severity: &severity,
		Source:   &source,
		Message:  err.Error(),
	}}
}

// errorSpan locates an assembler error in the document. Error lines
// count expanded lines, which match document lines one to one unless the
// document packs instructions with separators; the offending token
// narrows the span when it can be found.
func errorSpan(text string, err error) (line, start, end int) {
	msgLine := 1
	tok := ""
	var pe *asm.ParseError
	if errors.As(err, &pe) {
		msgLine, tok = pe.Line, pe.Tok
	} else {
		fmt.Sscanf(err.Error(), "line %d:", &msgLine)
	}

	lines := strings.Split(text, "\n")
	if msgLine < 1 {
		msgLine = 1
	}
	if msgLine > len(lines) {
		msgLine = len(lines)
	}
	l := msgLine - 1

	if tok != "" {
		if col := strings.Index(lines[l], tok); col >= 0 {
			return l, col, col + len(tok)
		}
	}
	return l, 0, len(lines[l])
}

func spanRange(line, start, end int) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: uint32(line), Character: uint32(start)},
		End:   protocol.Position{Line: uint32(line), Character: uint32(end)},
	}
}

// --- Label scanning ---

type labelSpan struct {
	line, start, end int
}

// labelName strips the label sigil. Templates write `.loop` where
// listings write `$loop`; both name the same label.
func labelName(word string) (string, bool) {
	if len(word) < 2 {
		return "", false
	}
	if word[0] == '$' || word[0] == '.' {
		return word[1:], true
	}
	return "", false
}

// labelBinding finds the line and column where name binds, scanning the
// raw document for either sigil form.
func labelBinding(text, name string) (line, col int, found bool) {
	for i, l := range strings.Split(text, "\n") {
		for _, needle := range []string{"$" + name + ":", "." + name + ":"} {
			if col := strings.Index(l, needle); col >= 0 {
				return i, col, true
			}
		}
	}
	return 0, 0, false
}

// labelMentions finds every use of name, binding included.
func labelMentions(text, name string) []labelSpan {
	var spans []labelSpan
	for i, l := range strings.Split(text, "\n") {
		for _, needle := range []string{"$" + name, "." + name} {
			from := 0
			for {
				col := strings.Index(l[from:], needle)
				if col < 0 {
					break
				}
				start := from + col
				end := start + len(needle)
				// Reject longer labels sharing the prefix.
				if end >= len(l) || !isWordByte(l[end]) {
					spans = append(spans, labelSpan{line: i, start: start, end: end})
				}
				from = end
			}
		}
	}
	return spans
}

// documentLabels lists every label name bound in the document, in order
// of appearance.
func documentLabels(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		for _, f := range strings.Fields(line) {
			if !strings.HasSuffix(f, ":") {
				break
			}
			name, ok := labelName(strings.TrimSuffix(f, ":"))
			if !ok {
				break
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// --- Text extraction helpers ---

func isWordByte(c byte) bool {
	r := rune(c)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || c == '_'
}

// tokenByte reports bytes that belong to a token under the cursor:
// identifier characters plus the label and register sigils.
func tokenByte(c byte) bool {
	return isWordByte(c) || c == '$' || c == '.' || c == '%'
}

// extractPrefix returns the token fragment before the cursor for
// completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && tokenByte(line[start-1]) {
		start--
	}

	if start == col {
		return ""
	}
	return line[start:col]
}

// extractWord returns the full token under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && tokenByte(line[start-1]) {
		start--
	}

	end := col
	for end < len(line) && tokenByte(line[end]) {
		end++
	}

	if start == end {
		return ""
	}
	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
