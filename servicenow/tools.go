package servicenow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/nowmcp/servicenow-mcp-go/engine"
	"github.com/nowmcp/servicenow-mcp-go/mcp"
)

// Tool package names. A package groups related tools so deployments can
// expose only what an agent needs.
const (
	PackageIncidentManagement = "incident_management"
	PackageRecordQuery        = "record_query"
)

// toolPackages assigns every tool to its package.
var toolPackages = map[string]string{
	"create_incident": PackageIncidentManagement,
	"update_incident": PackageIncidentManagement,
	"get_incident":    PackageIncidentManagement,
	"add_comment":     PackageIncidentManagement,
	"search_records":  PackageRecordQuery,
}

// inputSchema reflects a typed argument struct into the JSON schema carried
// in the tool descriptor. Fields without omitempty are required.
func inputSchema[A any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var a A
	s := r.Reflect(&a)
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		// Reflection of our own arg structs cannot fail at runtime.
		panic(fmt.Sprintf("servicenow: failed to marshal input schema: %v", err))
	}
	return b
}

// newTool builds an engine.Tool with a typed argument struct. Arguments are
// decoded leniently; ServiceNow validates field values server-side.
func newTool[A any](name, description string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error)) engine.Tool {
	return engine.Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: inputSchema[A](),
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
			var args A
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return &mcp.CallToolResult{
						Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("invalid arguments: %v", err))},
						IsError: true,
					}, nil
				}
			}
			return fn(ctx, args)
		},
	}
}

// jsonResult renders a value as a single JSON text content block.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(string(b))}}, nil
}

// ToolsetOption configures a Toolset.
type ToolsetOption func(*Toolset)

// WithPackageFilter restricts the toolset to the packages the filter allows,
// and makes the toolset report changes when the filter reloads.
func WithPackageFilter(f *PackageFilter) ToolsetOption {
	return func(t *Toolset) { t.filter = f }
}

// Toolset exposes the ServiceNow tool table to the engine.
type Toolset struct {
	client *Client
	filter *PackageFilter
}

// NewToolset builds the tool table over the given client.
func NewToolset(c *Client, opts ...ToolsetOption) *Toolset {
	t := &Toolset{client: c}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Changes implements engine.ChangeNotifier. Without a package filter the
// returned nil channel never fires.
func (t *Toolset) Changes() <-chan struct{} {
	if t.filter == nil {
		return nil
	}
	return t.filter.Changes()
}

// Tools returns the currently enabled tools.
func (t *Toolset) Tools(ctx context.Context) ([]engine.Tool, error) {
	all := t.allTools()
	if t.filter == nil {
		return all, nil
	}
	enabled := make([]engine.Tool, 0, len(all))
	for _, tool := range all {
		if t.filter.Allows(toolPackages[tool.Descriptor.Name]) {
			enabled = append(enabled, tool)
		}
	}
	return enabled, nil
}

type createIncidentArgs struct {
	ShortDescription string `json:"short_description" jsonschema:"description=Short summary of the incident"`
	Description      string `json:"description,omitempty" jsonschema:"description=Detailed description of the incident"`
	CallerID         string `json:"caller_id,omitempty" jsonschema:"description=sys_id or user name of the caller"`
	Category         string `json:"category,omitempty" jsonschema:"description=Incident category"`
	Urgency          string `json:"urgency,omitempty" jsonschema:"description=Urgency (1-3)"`
	Impact           string `json:"impact,omitempty" jsonschema:"description=Impact (1-3)"`
}

type updateIncidentArgs struct {
	IncidentID       string `json:"incident_id" jsonschema:"description=Incident sys_id or number (INC...)"`
	State            string `json:"state,omitempty" jsonschema:"description=New incident state code"`
	AssignmentGroup  string `json:"assignment_group,omitempty" jsonschema:"description=Group to assign the incident to"`
	AssignedTo       string `json:"assigned_to,omitempty" jsonschema:"description=User to assign the incident to"`
	WorkNotes        string `json:"work_notes,omitempty" jsonschema:"description=Internal work notes to append"`
	CloseCode        string `json:"close_code,omitempty" jsonschema:"description=Resolution code when closing"`
	CloseNotes       string `json:"close_notes,omitempty" jsonschema:"description=Resolution notes when closing"`
	ShortDescription string `json:"short_description,omitempty" jsonschema:"description=Replacement short summary"`
}

type getIncidentArgs struct {
	IncidentID string `json:"incident_id" jsonschema:"description=Incident sys_id or number (INC...)"`
}

type addCommentArgs struct {
	IncidentID string `json:"incident_id" jsonschema:"description=Incident sys_id or number (INC...)"`
	Comment    string `json:"comment" jsonschema:"description=Customer-visible comment to append"`
}

type searchRecordsArgs struct {
	Table string `json:"table" jsonschema:"description=Table to query, e.g. incident or change_request"`
	Query string `json:"query,omitempty" jsonschema:"description=Encoded sysparm query, e.g. active=true^priority=1"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum rows to return (default 10)"`
}

func (t *Toolset) allTools() []engine.Tool {
	c := t.client
	return []engine.Tool{
		newTool("create_incident", "Create a new incident in ServiceNow.",
			func(ctx context.Context, args createIncidentArgs) (*mcp.CallToolResult, error) {
				if args.ShortDescription == "" {
					return errorResult("short_description is required"), nil
				}
				fields := map[string]any{"short_description": args.ShortDescription}
				setIfPresent(fields, "description", args.Description)
				setIfPresent(fields, "caller_id", args.CallerID)
				setIfPresent(fields, "category", args.Category)
				setIfPresent(fields, "urgency", args.Urgency)
				setIfPresent(fields, "impact", args.Impact)
				rec, err := c.CreateRecord(ctx, "incident", fields)
				if err != nil {
					return nil, err
				}
				return jsonResult(incidentSummary(rec))
			}),
		newTool("update_incident", "Update fields on an existing incident.",
			func(ctx context.Context, args updateIncidentArgs) (*mcp.CallToolResult, error) {
				if args.IncidentID == "" {
					return errorResult("incident_id is required"), nil
				}
				rec, err := c.resolveIncident(ctx, args.IncidentID)
				if err != nil {
					return nil, err
				}
				fields := map[string]any{}
				setIfPresent(fields, "state", args.State)
				setIfPresent(fields, "assignment_group", args.AssignmentGroup)
				setIfPresent(fields, "assigned_to", args.AssignedTo)
				setIfPresent(fields, "work_notes", args.WorkNotes)
				setIfPresent(fields, "close_code", args.CloseCode)
				setIfPresent(fields, "close_notes", args.CloseNotes)
				setIfPresent(fields, "short_description", args.ShortDescription)
				if len(fields) == 0 {
					return errorResult("no fields to update"), nil
				}
				updated, err := c.UpdateRecord(ctx, "incident", rec.StringField("sys_id"), fields)
				if err != nil {
					return nil, err
				}
				return jsonResult(incidentSummary(updated))
			}),
		newTool("get_incident", "Fetch a single incident by sys_id or number.",
			func(ctx context.Context, args getIncidentArgs) (*mcp.CallToolResult, error) {
				if args.IncidentID == "" {
					return errorResult("incident_id is required"), nil
				}
				rec, err := c.resolveIncident(ctx, args.IncidentID)
				if err != nil {
					return nil, err
				}
				return jsonResult(rec)
			}),
		newTool("add_comment", "Append a customer-visible comment to an incident.",
			func(ctx context.Context, args addCommentArgs) (*mcp.CallToolResult, error) {
				if args.IncidentID == "" || args.Comment == "" {
					return errorResult("incident_id and comment are required"), nil
				}
				rec, err := c.resolveIncident(ctx, args.IncidentID)
				if err != nil {
					return nil, err
				}
				updated, err := c.UpdateRecord(ctx, "incident", rec.StringField("sys_id"), map[string]any{"comments": args.Comment})
				if err != nil {
					return nil, err
				}
				return jsonResult(incidentSummary(updated))
			}),
		newTool("search_records", "Query any ServiceNow table with an encoded query.",
			func(ctx context.Context, args searchRecordsArgs) (*mcp.CallToolResult, error) {
				if args.Table == "" {
					return errorResult("table is required"), nil
				}
				limit := args.Limit
				if limit <= 0 {
					limit = 10
				}
				recs, err := c.ListRecords(ctx, args.Table, args.Query, limit)
				if err != nil {
					return nil, err
				}
				return jsonResult(recs)
			}),
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(msg)}, IsError: true}
}

func setIfPresent(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

// incidentSummary trims an incident record to the fields agents care about.
func incidentSummary(rec Record) map[string]string {
	out := map[string]string{}
	for _, f := range []string{"sys_id", "number", "short_description", "state", "priority", "urgency", "impact", "assignment_group", "assigned_to", "opened_at"} {
		if v := rec.StringField(f); v != "" {
			out[f] = v
		}
	}
	return out
}
