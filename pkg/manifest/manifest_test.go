package manifest

import (
	"regexp"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const generatorOutput = "Here is the manifest:\n```json\n" + `{
  "vm_name": "web-01",
  "vm_id": 124,
  "target_node": "pmox04",
  "clone_template": "k3s-template",
  "cores": 2,
  "sockets": 2,
  "ram_mb": 4096,
  "disk": {"size_gb": 16, "storage": "pmoxpool01", "emulate_ssd": true},
  "network": {"bridge": "mainvnet"},
  "tags": ["test"],
  "cloud_init": {
    "upgrade": true,
    "ciuser": "admin-ubt",
    "cipassword": "admin",
    "nameserver": "192.168.16.2 8.8.8.8",
    "ssh_keys": ["ssh-ed25519 AAAAC3Nza admin-ubt"]
  }
}` + "\n```\n"

func validManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := Parse(generatorOutput)
	require.NoError(t, err)
	return m
}

// squash collapses the alignment padding hclwrite adds around "=".
func squash(b []byte) string {
	return spaces.ReplaceAllString(string(b), " ")
}

var spaces = regexp.MustCompile(` {2,}`)

func TestParse_ToleratesFencesAndProse(t *testing.T) {
	m := validManifest(t)
	assert.Equal(t, "web-01", m.VMName)
	assert.Equal(t, 124, m.VMID)
	assert.Equal(t, "pmox04", m.TargetNode)
	assert.Equal(t, 4096, m.RAMMB)
	assert.Equal(t, "pmoxpool01", m.Disk.Storage)
	assert.True(t, m.Disk.EmulateSSD)
}

func TestParse_NoObject(t *testing.T) {
	_, err := Parse("I could not decide on a node.")
	assert.ErrorIs(t, err, ErrNoObject)
}

func TestParse_BadJSON(t *testing.T) {
	_, err := Parse(`{"vm_name": "web-01", "cores": "two"}`)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoObject))
}

func TestExtractObject(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractObject("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":{"b":2}}`, ExtractObject(`prefix {"a":{"b":2}} suffix`))
	assert.Equal(t, "", ExtractObject("no json"))
	assert.Equal(t, "", ExtractObject("} backwards {"))
}

func TestApplyDefaults(t *testing.T) {
	m := &Manifest{Disk: Disk{Storage: "local-lvm"}, HA: HA{Group: "prod"}}
	m.ApplyDefaults()

	assert.Equal(t, 1, m.Sockets)
	assert.Equal(t, "host", m.CPUType)
	require.NotNil(t, m.FullClone)
	assert.True(t, *m.FullClone)
	require.NotNil(t, m.OnBoot)
	assert.True(t, *m.OnBoot)
	assert.Equal(t, "virtio", m.Network.Model)
	assert.Equal(t, "vmbr0", m.Network.Bridge)
	assert.Equal(t, []string{"disk", "network", "usb"}, m.Hotplug)
	assert.Equal(t, []int{0}, m.SerialPorts)
	assert.Equal(t, "ip=dhcp", m.CloudInit.IPConfig0)
	assert.Equal(t, "local-lvm", m.CloudInitStorage)
	assert.Equal(t, "started", m.HA.State)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	off := false
	m := &Manifest{Sockets: 2, CPUType: "kvm64", FullClone: &off, OnBoot: &off, Network: Network{Bridge: "vmbr1", Model: "e1000"}}
	m.ApplyDefaults()

	assert.Equal(t, 2, m.Sockets)
	assert.Equal(t, "kvm64", m.CPUType)
	assert.False(t, *m.FullClone)
	assert.False(t, *m.OnBoot)
	assert.Equal(t, "vmbr1", m.Network.Bridge)
	assert.Equal(t, "e1000", m.Network.Model)
	assert.Empty(t, m.HA.State)
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validManifest(t).Validate())
}

func TestValidate_ReportsFieldsByJSONName(t *testing.T) {
	m := validManifest(t)
	m.VMName = "web_01"
	m.Disk.SizeGB = 0
	m.Network.Model = "ne2k"
	m.HA.State = "running"

	err := m.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := map[string]string{}
	for _, fe := range verrs {
		fields[fe.Field] = fe.Rule
	}
	assert.Equal(t, "hostname_rfc1123", fields["vm_name"])
	assert.Equal(t, "gte", fields["disk.size_gb"])
	assert.Equal(t, "oneof", fields["network.model"])
	assert.Equal(t, "oneof", fields["ha.state"])
	assert.Contains(t, verrs.Feedback(), "- disk.size_gb must be at least 1\n")
}

func TestValidate_ExactlyOneSource(t *testing.T) {
	m := validManifest(t)
	m.CloneTemplate = ""
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one of clone_template, iso_image or ct_template is required")

	m.CloneTemplate = "k3s-template"
	m.ISOImage = "local:iso/ubuntu-24.04.iso"
	err = m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only one of")
}

func TestValidate_Tags(t *testing.T) {
	m := validManifest(t)
	m.Tags = []string{"web;prod"}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tags[0]")
}

func TestYAML(t *testing.T) {
	out, err := validManifest(t).YAML()
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "web-01", back["vm_name"])
	assert.Equal(t, "k3s-template", back["clone_template"])
	assert.Contains(t, string(out), "size_gb: 16")
}

func TestRedacted(t *testing.T) {
	m := validManifest(t)
	r := m.Redacted()
	assert.Equal(t, "********", r.CloudInit.CIPassword)
	assert.Equal(t, "admin", m.CloudInit.CIPassword)
}

func TestTerraform_VM(t *testing.T) {
	m := validManifest(t)
	out, err := m.Terraform(TerraformOptions{
		APIURL:      "https://172.25.5.201:8006/api2/json",
		TokenID:     "terraform@pam!terraformAPI",
		TLSInsecure: true,
	})
	require.NoError(t, err)
	src := squash(out)

	assert.Contains(t, src, `source = "telmate/proxmox"`)
	assert.Contains(t, src, `version = "3.0.1-rc6"`)
	assert.Contains(t, src, `resource "proxmox_vm_qemu" "vm"`)
	assert.Contains(t, src, `clone = "k3s-template"`)
	assert.Contains(t, src, `pm_api_token_secret = var.pm_api_token_secret`)
	assert.Contains(t, src, `cipassword = var.cipassword`)
	assert.Contains(t, src, `hotplug = "disk,network,usb"`)
	assert.NotContains(t, src, `"admin"`)

	a := Analyze(out, "main.tf")
	assert.False(t, a.HasErrors(), "%v", a.Findings)
	assert.Empty(t, a.Findings)
}

func TestTerraform_ISO(t *testing.T) {
	m := validManifest(t)
	m.CloneTemplate = ""
	m.ISOImage = "local:iso/ubuntu-24.04.iso"

	out, err := m.Terraform(TerraformOptions{})
	require.NoError(t, err)
	assert.Contains(t, squash(out), `iso = "local:iso/ubuntu-24.04.iso"`)
	assert.NotContains(t, string(out), "clone")
	assert.False(t, Analyze(out, "main.tf").HasErrors())
}

func TestTerraform_Container(t *testing.T) {
	m := validManifest(t)
	m.CloneTemplate = ""
	m.CTTemplate = "local:vztmpl/debian-12-standard_12.7-1_amd64.tar.zst"
	m.CloudInit.IPConfig0 = "ip=10.0.0.5/24,gw=10.0.0.1"

	out, err := m.Terraform(TerraformOptions{ResourceName: "ct"})
	require.NoError(t, err)
	src := squash(out)
	assert.Contains(t, src, `resource "proxmox_lxc" "ct"`)
	assert.Contains(t, src, `size = "16G"`)
	assert.Contains(t, src, `gw = "10.0.0.1"`)
	assert.Contains(t, src, `password = var.cipassword`)

	a := Analyze(out, "ct.tf")
	assert.False(t, a.HasErrors(), "%v", a.Findings)
}

func TestTerraform_RequiresSource(t *testing.T) {
	m := validManifest(t)
	m.CloneTemplate = ""
	_, err := m.Terraform(TerraformOptions{})
	assert.Error(t, err)
}

func TestAnalyze_SyntaxError(t *testing.T) {
	a := Analyze([]byte(`resource "proxmox_vm_qemu" "vm" {`), "broken.tf")
	require.True(t, a.HasErrors())
	assert.Equal(t, "broken.tf", a.Errors()[0].File)
	assert.Equal(t, 1, a.Errors()[0].Line)
}

func TestAnalyze_FlagsProblems(t *testing.T) {
	src := `
terraform {
  required_providers {
    proxmox = {
      source = "telmate/proxmox"
    }
  }
}

provider "proxmox" {
  pm_api_url          = "https://pve:8006/api2/json"
  pm_api_token_secret = "d73c9bde-c055-4fa3-aede-e7dccab3fe64"
}

resource "proxmox_vm_qemu" "vm" {
  name       = "web-01"
  cores      = 2
  cipassword = "admin"
}
`
	a := Analyze([]byte(src), "main.tf")
	require.True(t, a.HasErrors())

	var summaries []string
	for _, f := range a.Findings {
		summaries = append(summaries, f.Summary)
	}
	joined := strings.Join(summaries, "\n")
	assert.Contains(t, joined, "Provider proxmox missing version constraint")
	assert.Contains(t, joined, "attribute pm_api_token_secret of provider proxmox")
	assert.Contains(t, joined, "attribute cipassword of resource proxmox_vm_qemu.vm")
	assert.Contains(t, joined, `missing required attribute "target_node"`)
	assert.Contains(t, joined, `missing required attribute "memory"`)
	assert.Contains(t, joined, "neither clone nor an ISO cdrom")
}
