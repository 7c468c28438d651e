// Package xmla implements the engine client against a Power BI XMLA endpoint
// using the SOAP Execute method over HTTP.
package xmla

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pbibridge/pbibridge/internal/engine"
)

const soapNamespace = "http://schemas.xmlsoap.org/soap/envelope/"

type Config struct {
	// AuthorityBase overrides the Azure AD login endpoint, for tests.
	AuthorityBase string
	Scope         string
	HTTPTimeout   time.Duration
}

type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (c *Client) Open(ctx context.Context, target engine.Target) (engine.Handle, error) {
	if strings.TrimSpace(target.Endpoint) == "" {
		return nil, fmt.Errorf("xmla endpoint is required")
	}
	if strings.TrimSpace(target.Catalog) == "" {
		return nil, fmt.Errorf("initial catalog is required")
	}

	handle := &handle{
		endpoint:   httpEndpoint(target.Endpoint),
		catalog:    target.Catalog,
		descriptor: target.Redacted(),
		tokens:     newTokenSource(c.cfg.AuthorityBase, c.cfg.Scope, c.client, target.Credentials),
		client:     c.client,
	}
	if err := handle.Ping(ctx); err != nil {
		return nil, err
	}
	return handle, nil
}

// handle carries the redacted MSOLAP descriptor as its identity for error
// context; the secret itself lives only in the token source.
type handle struct {
	endpoint   string
	catalog    string
	descriptor string
	tokens     *tokenSource
	client     *http.Client
	closed     bool
}

func (h *handle) Execute(ctx context.Context, statement string) (engine.Result, error) {
	if h.closed {
		return engine.Result{}, fmt.Errorf("connection is closed: %s", h.descriptor)
	}

	start := time.Now()
	token, err := h.tokens.Token(ctx)
	if err != nil {
		return engine.Result{}, err
	}

	envelope := buildExecuteEnvelope(h.catalog, statement)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(envelope))
	if err != nil {
		return engine.Result{}, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"urn:schemas-microsoft-com:xml-analysis:Execute"`)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return engine.Result{}, fmt.Errorf("execute statement: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.Result{}, fmt.Errorf("read execute response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		h.tokens.invalidate()
		return engine.Result{}, fmt.Errorf("execute rejected status=%d body=%s", resp.StatusCode, truncateForError(body))
	}
	if resp.StatusCode >= 400 {
		return engine.Result{}, fmt.Errorf("execute failed status=%d body=%s", resp.StatusCode, truncateForError(body))
	}

	columns, rows, err := parseRowset(body)
	if err != nil {
		return engine.Result{}, err
	}
	return engine.Result{Columns: columns, Rows: rows, Duration: time.Since(start)}, nil
}

func (h *handle) Ping(ctx context.Context) error {
	_, err := h.Execute(ctx, `EVALUATE ROW("ok", 1)`)
	return err
}

func (h *handle) Close() error {
	h.closed = true
	return nil
}

// httpEndpoint maps the powerbi:// scheme Power BI hands out to the HTTPS
// XMLA endpoint it actually serves.
func httpEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "powerbi://") {
		return "https://" + strings.TrimPrefix(endpoint, "powerbi://")
	}
	return endpoint
}

func buildExecuteEnvelope(catalog, statement string) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<Envelope xmlns="` + soapNamespace + `"><Body>`)
	buf.WriteString(`<Execute xmlns="urn:schemas-microsoft-com:xml-analysis">`)
	buf.WriteString(`<Command><Statement>`)
	_ = xml.EscapeText(&buf, []byte(statement))
	buf.WriteString(`</Statement></Command>`)
	buf.WriteString(`<Properties><PropertyList><Catalog>`)
	_ = xml.EscapeText(&buf, []byte(catalog))
	buf.WriteString(`</Catalog><Format>Tabular</Format></PropertyList></Properties>`)
	buf.WriteString(`</Execute></Body></Envelope>`)
	return buf.Bytes()
}

// parseRowset walks the SOAP response and collects <row> elements. Column
// order follows first appearance; cell types come from xsi:type hints when the
// server includes them.
func parseRowset(body []byte) ([]engine.Column, [][]any, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))

	var (
		columns    []engine.Column
		columnIdx  = map[string]int{}
		rows       [][]any
		currentRow map[string]any
		faultText  string
		inFault    bool
	)

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decode xmla response: %w", err)
		}

		switch element := token.(type) {
		case xml.StartElement:
			switch element.Name.Local {
			case "Fault":
				inFault = true
			case "faultstring", "Description":
				if inFault {
					var text string
					if err := decoder.DecodeElement(&text, &element); err == nil && faultText == "" {
						faultText = strings.TrimSpace(text)
					}
				}
			case "row":
				currentRow = map[string]any{}
			default:
				if currentRow != nil {
					name := columnName(element)
					value, err := decodeCell(decoder, element)
					if err != nil {
						return nil, nil, err
					}
					if _, seen := columnIdx[name]; !seen {
						columnIdx[name] = len(columns)
						columns = append(columns, engine.Column{Name: name, Type: cellTypeHint(element)})
					}
					currentRow[name] = value
				}
			}
		case xml.EndElement:
			switch element.Name.Local {
			case "Fault":
				inFault = false
			case "row":
				if currentRow != nil {
					row := make([]any, len(columns))
					for name, idx := range columnIdx {
						if cell, ok := currentRow[name]; ok {
							row[idx] = cell
						}
					}
					rows = append(rows, row)
					currentRow = nil
				}
			}
		}
	}

	if faultText != "" {
		return nil, nil, fmt.Errorf("xmla fault: %s", faultText)
	}
	// Column count can grow after early rows when leading cells were null and
	// omitted from the payload; pad short rows.
	for i, row := range rows {
		if len(row) < len(columns) {
			padded := make([]any, len(columns))
			copy(padded, row)
			rows[i] = padded
		}
	}
	return columns, rows, nil
}

// columnName unescapes the XMLA column element name. The rowset schema
// encodes characters like brackets and spaces as _xHHHH_ sequences.
func columnName(element xml.StartElement) string {
	for _, attr := range element.Attr {
		if attr.Name.Local == "name" {
			return attr.Value
		}
	}
	return decodeXMLAName(element.Name.Local)
}

func decodeXMLAName(encoded string) string {
	var out strings.Builder
	for i := 0; i < len(encoded); {
		if encoded[i] == '_' && i+6 < len(encoded) && encoded[i+1] == 'x' && encoded[i+6] == '_' {
			if code, err := strconv.ParseUint(encoded[i+2:i+6], 16, 32); err == nil {
				out.WriteRune(rune(code))
				i += 7
				continue
			}
		}
		out.WriteByte(encoded[i])
		i++
	}
	return out.String()
}

func cellTypeHint(element xml.StartElement) string {
	for _, attr := range element.Attr {
		if attr.Name.Local == "type" {
			return strings.TrimPrefix(attr.Value, "xsd:")
		}
	}
	return ""
}

func decodeCell(decoder *xml.Decoder, element xml.StartElement) (any, error) {
	var text string
	if err := decoder.DecodeElement(&text, &element); err != nil {
		return nil, fmt.Errorf("decode cell %s: %w", element.Name.Local, err)
	}
	switch cellTypeHint(element) {
	case "int", "long", "integer", "short":
		if parsed, err := strconv.ParseInt(text, 10, 64); err == nil {
			return parsed, nil
		}
	case "double", "float", "decimal":
		if parsed, err := strconv.ParseFloat(text, 64); err == nil {
			return parsed, nil
		}
	case "boolean":
		if parsed, err := strconv.ParseBool(text); err == nil {
			return parsed, nil
		}
	case "dateTime":
		if parsed, err := time.Parse("2006-01-02T15:04:05", text); err == nil {
			return parsed, nil
		}
		if parsed, err := time.Parse(time.RFC3339, text); err == nil {
			return parsed, nil
		}
	}
	return text, nil
}

func truncateForError(body []byte) string {
	const limit = 512
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
