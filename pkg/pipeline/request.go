package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/jxucoder/pveprov/pkg/manifest"
)

// PlatformProxmox is the only supported platform target.
const PlatformProxmox = "Proxmox"

// RequestDetails is what the validator extracts from a chat request.
type RequestDetails struct {
	OriginalChat   string `json:"original_chat"`
	Name           string `json:"name"`
	TemplateID     string `json:"template_id,omitempty"`
	ISOImage       string `json:"iso_image,omitempty"`
	CTTemplate     string `json:"ct_template,omitempty"`
	PlatformTarget string `json:"platform_target"`
}

// Source returns the single provisioning source and its kind.
func (d *RequestDetails) Source() (kind, value string) {
	switch {
	case d.TemplateID != "":
		return "template_id", d.TemplateID
	case d.ISOImage != "":
		return "iso_image", d.ISOImage
	case d.CTTemplate != "":
		return "ct_template", d.CTTemplate
	}
	return "", ""
}

// ClarificationError means the request cannot be planned until the user
// answers Question.
type ClarificationError struct {
	Question string
}

func (e *ClarificationError) Error() string {
	return "clarification needed: " + e.Question
}

// IsClarification reports whether err is or wraps a *ClarificationError.
func IsClarification(err error) bool {
	var ce *ClarificationError
	return errors.As(err, &ce)
}

// validatorOutput is the JSON the validation prompt asks for.
type validatorOutput struct {
	RequestDetails struct {
		OriginalChat        string `json:"original_chat"`
		ExtractedParameters struct {
			Name       flexString `json:"name"`
			TemplateID flexString `json:"template_id"`
			ISOImage   flexString `json:"iso_image"`
			CTTemplate flexString `json:"ct_template"`
		} `json:"extracted_parameters"`
	} `json:"request_details"`
	PlatformTarget string `json:"platform_target"`
}

// flexString accepts a JSON string or number (template IDs arrive as both).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// ParseRequestDetails interprets a validator response. A response without a
// JSON object is taken as the model's own clarification question.
func ParseRequestDetails(response, request string) (*RequestDetails, error) {
	obj := manifest.ExtractObject(response)
	if obj == "" {
		q := strings.TrimSpace(response)
		if q == "" {
			q = "Please provide a VM name and one of template_id, iso_image or ct_template."
		}
		return nil, &ClarificationError{Question: q}
	}

	var out validatorOutput
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, errors.Wrap(err, "parsing request details")
	}
	p := out.RequestDetails.ExtractedParameters
	d := &RequestDetails{
		OriginalChat:   out.RequestDetails.OriginalChat,
		Name:           strings.TrimSpace(string(p.Name)),
		TemplateID:     strings.TrimSpace(string(p.TemplateID)),
		ISOImage:       strings.TrimSpace(string(p.ISOImage)),
		CTTemplate:     strings.TrimSpace(string(p.CTTemplate)),
		PlatformTarget: out.PlatformTarget,
	}
	if d.OriginalChat == "" {
		d.OriginalChat = request
	}
	if d.PlatformTarget == "" {
		d.PlatformTarget = PlatformProxmox
	}
	if err := d.Check(); err != nil {
		return nil, err
	}
	return d, nil
}

// Check applies the deterministic rules: Proxmox target, a name and exactly
// one source.
func (d *RequestDetails) Check() error {
	if !strings.EqualFold(d.PlatformTarget, PlatformProxmox) {
		return &ClarificationError{Question: "Only Proxmox is supported. Should this VM be provisioned on Proxmox?"}
	}

	var missing []string
	if d.Name == "" {
		missing = append(missing, "a name for the VM")
	}
	sources := 0
	for _, s := range []string{d.TemplateID, d.ISOImage, d.CTTemplate} {
		if s != "" {
			sources++
		}
	}
	if sources == 0 {
		missing = append(missing, "a provisioning source (template_id, iso_image or ct_template)")
	}
	if len(missing) > 0 {
		return &ClarificationError{Question: "Please provide " + strings.Join(missing, " and ") + "."}
	}
	if sources > 1 {
		return &ClarificationError{Question: "Please choose only one provisioning source: template_id, iso_image or ct_template."}
	}
	return nil
}
