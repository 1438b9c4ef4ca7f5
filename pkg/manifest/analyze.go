package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// Severity of an analysis finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one problem found in a Terraform file.
type Finding struct {
	Severity Severity `json:"severity"`
	Summary  string   `json:"summary"`
	Detail   string   `json:"detail,omitempty"`
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
}

func (f Finding) String() string {
	s := fmt.Sprintf("%s:%d:%d: %s: %s", f.File, f.Line, f.Column, f.Severity, f.Summary)
	if f.Detail != "" {
		s += ": " + f.Detail
	}
	return s
}

// Analysis is the result of Analyze.
type Analysis struct {
	Findings []Finding `json:"findings"`
}

// HasErrors reports whether any finding is an error.
func (a *Analysis) HasErrors() bool {
	for _, f := range a.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error findings.
func (a *Analysis) Errors() []Finding {
	var out []Finding
	for _, f := range a.Findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// sensitiveAttrs are attribute name fragments whose values must never be
// literals.
var sensitiveAttrs = []string{"password", "secret"}

// requiredAttrs lists the attributes each supported resource type needs.
var requiredAttrs = map[string][]string{
	"proxmox_vm_qemu": {"name", "target_node", "memory", "cores"},
	"proxmox_lxc":     {"hostname", "target_node", "ostemplate", "memory"},
}

// Analyze statically checks a Terraform file: syntax, provider version
// constraints, required resource attributes and hard-coded secrets. It does
// not evaluate the configuration.
func Analyze(src []byte, filename string) *Analysis {
	res := &Analysis{}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		res.add(diags)
		return res
	}

	schema := &hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "terraform"},
			{Type: "provider", LabelNames: []string{"name"}},
			{Type: "resource", LabelNames: []string{"type", "name"}},
			{Type: "data", LabelNames: []string{"type", "name"}},
			{Type: "variable", LabelNames: []string{"name"}},
			{Type: "output", LabelNames: []string{"name"}},
			{Type: "module", LabelNames: []string{"name"}},
			{Type: "locals"},
		},
	}
	content, _, diags := file.Body.PartialContent(schema)
	res.add(diags)

	res.add(analyzeTerraformBlocks(content, filename))
	res.add(analyzeProviderBlocks(content, filename))
	res.add(analyzeResourceBlocks(content, filename))
	return res
}

func (a *Analysis) add(diags hcl.Diagnostics) {
	for _, d := range diags {
		f := Finding{
			Severity: SeverityWarning,
			Summary:  d.Summary,
			Detail:   d.Detail,
		}
		if d.Severity == hcl.DiagError {
			f.Severity = SeverityError
		}
		if d.Subject != nil {
			f.File = d.Subject.Filename
			f.Line = d.Subject.Start.Line
			f.Column = d.Subject.Start.Column
		}
		a.Findings = append(a.Findings, f)
	}
}

func analyzeTerraformBlocks(content *hcl.BodyContent, filename string) hcl.Diagnostics {
	var diags hcl.Diagnostics

	blocks := content.Blocks.OfType("terraform")
	if len(blocks) == 0 {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagWarning,
			Summary:  fmt.Sprintf("No terraform block in %s", filename),
			Detail:   "pin the telmate/proxmox provider in required_providers",
			Subject:  &hcl.Range{Filename: filename, Start: hcl.InitialPos, End: hcl.InitialPos},
		})
	}

	for _, block := range blocks {
		tfSchema := &hcl.BodySchema{
			Blocks: []hcl.BlockHeaderSchema{{Type: "required_providers"}},
		}
		tfContent, _, tfDiags := block.Body.PartialContent(tfSchema)
		diags = append(diags, tfDiags...)

		for _, rpBlock := range tfContent.Blocks.OfType("required_providers") {
			attrs, attrsDiags := rpBlock.Body.JustAttributes()
			diags = append(diags, attrsDiags...)

			for _, providerName := range sortedNames(attrs) {
				attr := attrs[providerName]
				val, valDiags := attr.Expr.Value(nil)
				if valDiags.HasErrors() {
					diags = append(diags, valDiags...)
					continue
				}
				if !val.Type().IsObjectType() {
					diags = append(diags, &hcl.Diagnostic{
						Severity: hcl.DiagWarning,
						Summary:  fmt.Sprintf("Provider %s has non-object requirement in %s", providerName, filename),
						Subject:  attr.Range.Ptr(),
					})
					continue
				}
				if !val.Type().HasAttribute("version") {
					diags = append(diags, &hcl.Diagnostic{
						Severity: hcl.DiagWarning,
						Summary:  fmt.Sprintf("Provider %s missing version constraint in %s", providerName, filename),
						Subject:  attr.Range.Ptr(),
					})
				}
			}
		}
	}
	return diags
}

func analyzeProviderBlocks(content *hcl.BodyContent, filename string) hcl.Diagnostics {
	var diags hcl.Diagnostics
	found := false
	for _, block := range content.Blocks.OfType("provider") {
		if block.Labels[0] == "proxmox" {
			found = true
		}
		diags = append(diags, sensitiveLiterals(block, "provider "+block.Labels[0], filename)...)
	}
	if !found {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagWarning,
			Summary:  fmt.Sprintf("No proxmox provider block in %s", filename),
			Subject:  &hcl.Range{Filename: filename, Start: hcl.InitialPos, End: hcl.InitialPos},
		})
	}
	return diags
}

func analyzeResourceBlocks(content *hcl.BodyContent, filename string) hcl.Diagnostics {
	var diags hcl.Diagnostics

	for _, block := range content.Blocks.OfType("resource") {
		resType, resName := block.Labels[0], block.Labels[1]
		label := resType + "." + resName

		body, ok := block.Body.(*hclsyntax.Body)
		if !ok {
			continue
		}
		for _, name := range requiredAttrs[resType] {
			if _, has := body.Attributes[name]; !has {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  fmt.Sprintf("Resource %s missing required attribute %q in %s", label, name, filename),
					Subject:  block.DefRange.Ptr(),
				})
			}
		}
		if resType == "proxmox_vm_qemu" {
			diags = append(diags, checkVMSource(body, label, block.DefRange)...)
		}
		diags = append(diags, sensitiveLiterals(block, "resource "+label, filename)...)
	}
	return diags
}

// checkVMSource requires a clone template or an attached ISO.
func checkVMSource(body *hclsyntax.Body, label string, rng hcl.Range) hcl.Diagnostics {
	if _, ok := body.Attributes["clone"]; ok {
		return nil
	}
	if hasNestedAttr(body, "iso") {
		return nil
	}
	return hcl.Diagnostics{{
		Severity: hcl.DiagError,
		Summary:  fmt.Sprintf("Resource %s has neither clone nor an ISO cdrom", label),
		Subject:  rng.Ptr(),
	}}
}

func hasNestedAttr(body *hclsyntax.Body, name string) bool {
	if _, ok := body.Attributes[name]; ok {
		return true
	}
	for _, b := range body.Blocks {
		if hasNestedAttr(b.Body, name) {
			return true
		}
	}
	return false
}

// sensitiveLiterals flags secret-looking attributes whose value is a
// constant, at any depth of the block.
func sensitiveLiterals(block *hcl.Block, label, filename string) hcl.Diagnostics {
	body, ok := block.Body.(*hclsyntax.Body)
	if !ok {
		return nil
	}
	var diags hcl.Diagnostics
	var walk func(b *hclsyntax.Body)
	walk = func(b *hclsyntax.Body) {
		for _, name := range sortedNames(b.Attributes) {
			attr := b.Attributes[name]
			if !isSensitive(name) {
				continue
			}
			if len(attr.Expr.Variables()) > 0 {
				continue
			}
			if _, valDiags := attr.Expr.Value(nil); valDiags.HasErrors() {
				continue
			}
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  fmt.Sprintf("Hardcoded sensitive value in attribute %s of %s in %s", name, label, filename),
				Detail:   "use a sensitive variable instead",
				Subject:  attr.SrcRange.Ptr(),
			})
		}
		for _, nested := range b.Blocks {
			walk(nested.Body)
		}
	}
	walk(body)
	return diags
}

func isSensitive(name string) bool {
	name = strings.ToLower(name)
	for _, kw := range sensitiveAttrs {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
