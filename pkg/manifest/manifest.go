// Package manifest defines the VM provisioning manifest produced by the
// generator, along with its defaults, validation, Terraform rendering and
// static HCL analysis.
package manifest

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ErrNoObject is returned by Parse when the text holds no JSON object.
var ErrNoObject = errors.New("no JSON object found")

// Manifest describes one VM to provision on a Proxmox VE cluster.
type Manifest struct {
	VMName     string `json:"vm_name" yaml:"vm_name" validate:"required,hostname_rfc1123"`
	VMID       int    `json:"vm_id" yaml:"vm_id" validate:"gte=100,lte=999999999"`
	TargetNode string `json:"target_node" yaml:"target_node" validate:"required"`

	// Exactly one source is set.
	CloneTemplate string `json:"clone_template,omitempty" yaml:"clone_template,omitempty"`
	ISOImage      string `json:"iso_image,omitempty" yaml:"iso_image,omitempty"`
	CTTemplate    string `json:"ct_template,omitempty" yaml:"ct_template,omitempty"`
	FullClone     *bool  `json:"full_clone,omitempty" yaml:"full_clone,omitempty"`

	Cores   int    `json:"cores" yaml:"cores" validate:"gte=1,lte=512"`
	Sockets int    `json:"sockets" yaml:"sockets" validate:"gte=1,lte=16"`
	CPUType string `json:"cpu_type" yaml:"cpu_type" validate:"required"`

	RAMMB int  `json:"ram_mb" yaml:"ram_mb" validate:"gte=16"`
	NUMA  bool `json:"numa" yaml:"numa"`

	Disk             Disk    `json:"disk" yaml:"disk"`
	CloudInitStorage string  `json:"cloud_init_storage,omitempty" yaml:"cloud_init_storage,omitempty"`
	Network          Network `json:"network" yaml:"network"`

	Pool string   `json:"pool,omitempty" yaml:"pool,omitempty"`
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty" validate:"dive,required,excludesall=0x2C;"`
	HA   HA       `json:"ha" yaml:"ha"`

	OnBoot      *bool    `json:"onboot,omitempty" yaml:"onboot,omitempty"`
	Balloon     int      `json:"balloon" yaml:"balloon" validate:"gte=0"`
	Hotplug     []string `json:"hotplug,omitempty" yaml:"hotplug,omitempty" validate:"dive,oneof=disk network usb memory cpu cloudinit"`
	SerialPorts []int    `json:"serial_ports,omitempty" yaml:"serial_ports,omitempty" validate:"max=4,dive,gte=0,lte=3"`

	CloudInit CloudInit `json:"cloud_init" yaml:"cloud_init"`
}

// Disk is the primary SCSI disk.
type Disk struct {
	SizeGB     int    `json:"size_gb" yaml:"size_gb" validate:"gte=1"`
	Storage    string `json:"storage" yaml:"storage" validate:"required"`
	Discard    bool   `json:"discard" yaml:"discard"`
	EmulateSSD bool   `json:"emulate_ssd" yaml:"emulate_ssd"`
}

// Network is the first network device.
type Network struct {
	Bridge   string `json:"bridge" yaml:"bridge" validate:"required"`
	Model    string `json:"model" yaml:"model" validate:"oneof=virtio e1000 rtl8139 vmxnet3"`
	Firewall bool   `json:"firewall" yaml:"firewall"`
	LinkDown bool   `json:"link_down" yaml:"link_down"`
}

// HA places the VM in a high-availability group.
type HA struct {
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
	State string `json:"state,omitempty" yaml:"state,omitempty" validate:"omitempty,oneof=started stopped enabled disabled ignored"`
}

// CloudInit holds first-boot settings.
type CloudInit struct {
	Upgrade    bool     `json:"upgrade" yaml:"upgrade"`
	CIUser     string   `json:"ciuser,omitempty" yaml:"ciuser,omitempty"`
	CIPassword string   `json:"cipassword,omitempty" yaml:"cipassword,omitempty"`
	Nameserver string   `json:"nameserver,omitempty" yaml:"nameserver,omitempty"`
	IPConfig0  string   `json:"ipconfig0,omitempty" yaml:"ipconfig0,omitempty" validate:"omitempty,startswith=ip="`
	SSHKeys    []string `json:"ssh_keys,omitempty" yaml:"ssh_keys,omitempty" validate:"dive,required"`
}

// Parse extracts the first JSON object from model output, decodes it and
// applies defaults. Code fences and surrounding prose are tolerated.
func Parse(text string) (*Manifest, error) {
	obj := ExtractObject(text)
	if obj == "" {
		return nil, ErrNoObject
	}
	var m Manifest
	dec := json.NewDecoder(strings.NewReader(obj))
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	m.ApplyDefaults()
	return &m, nil
}

// ExtractObject returns the outermost {...} span of s after stripping a
// surrounding code fence, or "" when there is none.
func ExtractObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// ApplyDefaults fills unset fields with the provisioning template values.
func (m *Manifest) ApplyDefaults() {
	if m.Sockets == 0 {
		m.Sockets = 1
	}
	if m.CPUType == "" {
		m.CPUType = "host"
	}
	if m.FullClone == nil {
		m.FullClone = boolPtr(true)
	}
	if m.OnBoot == nil {
		m.OnBoot = boolPtr(true)
	}
	if m.Network.Model == "" {
		m.Network.Model = "virtio"
	}
	if m.Network.Bridge == "" {
		m.Network.Bridge = "vmbr0"
	}
	if len(m.Hotplug) == 0 {
		m.Hotplug = []string{"disk", "network", "usb"}
	}
	if len(m.SerialPorts) == 0 {
		m.SerialPorts = []int{0}
	}
	if m.CloudInit.IPConfig0 == "" {
		m.CloudInit.IPConfig0 = "ip=dhcp"
	}
	if m.CloudInitStorage == "" {
		m.CloudInitStorage = m.Disk.Storage
	}
	if m.HA.Group != "" && m.HA.State == "" {
		m.HA.State = "started"
	}
}

// Source returns which provisioning source is set and its value.
func (m *Manifest) Source() (kind, value string) {
	switch {
	case m.CloneTemplate != "":
		return "clone_template", m.CloneTemplate
	case m.ISOImage != "":
		return "iso_image", m.ISOImage
	case m.CTTemplate != "":
		return "ct_template", m.CTTemplate
	}
	return "", ""
}

// IsContainer reports whether the manifest describes an LXC container.
func (m *Manifest) IsContainer() bool { return m.CTTemplate != "" }

// JSON encodes the manifest with indentation.
func (m *Manifest) JSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// YAML encodes the manifest as YAML.
func (m *Manifest) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, errors.Wrap(err, "encoding manifest YAML")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encoding manifest YAML")
	}
	return buf.Bytes(), nil
}

// RedactedValue replaces secrets in redacted output.
const RedactedValue = "********"

// Redacted returns a copy with secrets removed, for logs and notifications.
// A nil manifest stays nil.
func (m *Manifest) Redacted() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	if c.CloudInit.CIPassword != "" {
		c.CloudInit.CIPassword = RedactedValue
	}
	return &c
}

func boolPtr(b bool) *bool { return &b }

func boolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
