package manifest

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

const (
	DefaultProviderVersion = "3.0.1-rc6"
	DefaultResourceName    = "vm"

	tokenSecretVar = "pm_api_token_secret"
	passwordVar    = "cipassword"
)

// TerraformOptions configures the provider block of a rendered manifest.
type TerraformOptions struct {
	// APIURL is the Proxmox API root, e.g. https://pve:8006/api2/json.
	APIURL string
	// TokenID is the API token id (user@realm!name). The secret is always a
	// variable.
	TokenID         string
	TLSInsecure     bool
	ProviderVersion string
	ResourceName    string
}

func (o TerraformOptions) withDefaults() TerraformOptions {
	if o.ProviderVersion == "" {
		o.ProviderVersion = DefaultProviderVersion
	}
	if o.ResourceName == "" {
		o.ResourceName = DefaultResourceName
	}
	if o.APIURL == "" {
		o.APIURL = "https://localhost:8006/api2/json"
	}
	return o
}

// Terraform renders the manifest as a telmate/proxmox configuration: a
// proxmox_vm_qemu resource, or proxmox_lxc for container templates.
// Secrets are emitted as sensitive variables, never as literals.
func (m *Manifest) Terraform(opts TerraformOptions) ([]byte, error) {
	if kind, _ := m.Source(); kind == "" {
		return nil, errors.New("manifest has no provisioning source")
	}
	opts = opts.withDefaults()

	f := hclwrite.NewEmptyFile()
	root := f.Body()

	tf := root.AppendNewBlock("terraform", nil).Body()
	tf.SetAttributeValue("required_version", cty.StringVal(">= 0.14"))
	providers := tf.AppendNewBlock("required_providers", nil).Body()
	providers.SetAttributeValue("proxmox", cty.ObjectVal(map[string]cty.Value{
		"source":  cty.StringVal("telmate/proxmox"),
		"version": cty.StringVal(opts.ProviderVersion),
	}))
	root.AppendNewline()

	appendSecretVar(root, tokenSecretVar, "Secret of the Proxmox API token")
	if m.CloudInit.CIPassword != "" {
		appendSecretVar(root, passwordVar, "Initial password for the default user")
	}

	provider := root.AppendNewBlock("provider", []string{"proxmox"}).Body()
	provider.SetAttributeValue("pm_api_url", cty.StringVal(opts.APIURL))
	if opts.TokenID != "" {
		provider.SetAttributeValue("pm_api_token_id", cty.StringVal(opts.TokenID))
	}
	provider.SetAttributeTraversal("pm_api_token_secret", varRef(tokenSecretVar))
	provider.SetAttributeValue("pm_tls_insecure", cty.BoolVal(opts.TLSInsecure))
	root.AppendNewline()

	if m.IsContainer() {
		m.writeLXC(root, opts.ResourceName)
	} else {
		m.writeQEMU(root, opts.ResourceName)
	}

	return hclwrite.Format(f.Bytes()), nil
}

func (m *Manifest) writeQEMU(root *hclwrite.Body, name string) {
	vm := root.AppendNewBlock("resource", []string{"proxmox_vm_qemu", name}).Body()
	if m.VMID > 0 {
		vm.SetAttributeValue("vmid", cty.NumberIntVal(int64(m.VMID)))
	}
	vm.SetAttributeValue("name", cty.StringVal(m.VMName))
	vm.SetAttributeValue("target_node", cty.StringVal(m.TargetNode))
	if m.CloneTemplate != "" {
		vm.SetAttributeValue("clone", cty.StringVal(m.CloneTemplate))
		vm.SetAttributeValue("full_clone", cty.BoolVal(boolValue(m.FullClone, true)))
	}
	vm.SetAttributeValue("agent", cty.NumberIntVal(1))
	vm.SetAttributeValue("cores", cty.NumberIntVal(int64(m.Cores)))
	vm.SetAttributeValue("sockets", cty.NumberIntVal(int64(m.Sockets)))
	vm.SetAttributeValue("memory", cty.NumberIntVal(int64(m.RAMMB)))
	vm.SetAttributeValue("cpu_type", cty.StringVal(m.CPUType))
	vm.SetAttributeValue("numa", cty.BoolVal(m.NUMA))
	vm.SetAttributeValue("scsihw", cty.StringVal("virtio-scsi-pci"))
	vm.SetAttributeValue("onboot", cty.BoolVal(boolValue(m.OnBoot, true)))
	vm.SetAttributeValue("os_type", cty.StringVal("cloud-init"))
	if m.Pool != "" {
		vm.SetAttributeValue("pool", cty.StringVal(m.Pool))
	}
	if len(m.Tags) > 0 {
		vm.SetAttributeValue("tags", cty.StringVal(strings.Join(m.Tags, ";")))
	}
	vm.SetAttributeValue("balloon", cty.NumberIntVal(int64(m.Balloon)))
	vm.SetAttributeValue("hotplug", cty.StringVal(strings.Join(m.Hotplug, ",")))

	for _, id := range m.SerialPorts {
		serial := vm.AppendNewBlock("serial", nil).Body()
		serial.SetAttributeValue("id", cty.NumberIntVal(int64(id)))
	}

	disks := vm.AppendNewBlock("disks", nil).Body()
	scsi := disks.AppendNewBlock("scsi", nil).Body()
	scsi0 := scsi.AppendNewBlock("scsi0", nil).Body()
	disk := scsi0.AppendNewBlock("disk", nil).Body()
	disk.SetAttributeValue("size", cty.NumberIntVal(int64(m.Disk.SizeGB)))
	disk.SetAttributeValue("storage", cty.StringVal(m.Disk.Storage))
	disk.SetAttributeValue("discard", cty.BoolVal(m.Disk.Discard))
	disk.SetAttributeValue("emulatessd", cty.BoolVal(m.Disk.EmulateSSD))

	ide := disks.AppendNewBlock("ide", nil).Body()
	if m.ISOImage != "" {
		cdrom := ide.AppendNewBlock("ide0", nil).Body().AppendNewBlock("cdrom", nil).Body()
		cdrom.SetAttributeValue("iso", cty.StringVal(m.ISOImage))
	}
	ci := ide.AppendNewBlock("ide2", nil).Body().AppendNewBlock("cloudinit", nil).Body()
	ci.SetAttributeValue("storage", cty.StringVal(m.CloudInitStorage))

	if m.HA.Group != "" {
		vm.SetAttributeValue("hagroup", cty.StringVal(m.HA.Group))
	}
	if m.HA.State != "" {
		vm.SetAttributeValue("hastate", cty.StringVal(m.HA.State))
	}

	network := vm.AppendNewBlock("network", nil).Body()
	network.SetAttributeValue("id", cty.NumberIntVal(0))
	network.SetAttributeValue("model", cty.StringVal(m.Network.Model))
	network.SetAttributeValue("bridge", cty.StringVal(m.Network.Bridge))
	network.SetAttributeValue("firewall", cty.BoolVal(m.Network.Firewall))
	network.SetAttributeValue("link_down", cty.BoolVal(m.Network.LinkDown))

	vm.SetAttributeValue("ciupgrade", cty.BoolVal(m.CloudInit.Upgrade))
	if m.CloudInit.Nameserver != "" {
		vm.SetAttributeValue("nameserver", cty.StringVal(m.CloudInit.Nameserver))
	}
	vm.SetAttributeValue("ipconfig0", cty.StringVal(m.CloudInit.IPConfig0))
	if len(m.CloudInit.SSHKeys) > 0 {
		vm.SetAttributeValue("sshkeys", cty.StringVal(strings.Join(m.CloudInit.SSHKeys, "\n")))
	}
	if m.CloudInit.CIUser != "" {
		vm.SetAttributeValue("ciuser", cty.StringVal(m.CloudInit.CIUser))
	}
	if m.CloudInit.CIPassword != "" {
		vm.SetAttributeTraversal("cipassword", varRef(passwordVar))
	}
}

func (m *Manifest) writeLXC(root *hclwrite.Body, name string) {
	ct := root.AppendNewBlock("resource", []string{"proxmox_lxc", name}).Body()
	if m.VMID > 0 {
		ct.SetAttributeValue("vmid", cty.NumberIntVal(int64(m.VMID)))
	}
	ct.SetAttributeValue("hostname", cty.StringVal(m.VMName))
	ct.SetAttributeValue("target_node", cty.StringVal(m.TargetNode))
	ct.SetAttributeValue("ostemplate", cty.StringVal(m.CTTemplate))
	ct.SetAttributeValue("cores", cty.NumberIntVal(int64(m.Cores*m.Sockets)))
	ct.SetAttributeValue("memory", cty.NumberIntVal(int64(m.RAMMB)))
	ct.SetAttributeValue("unprivileged", cty.True)
	ct.SetAttributeValue("onboot", cty.BoolVal(boolValue(m.OnBoot, true)))
	ct.SetAttributeValue("start", cty.True)
	if m.Pool != "" {
		ct.SetAttributeValue("pool", cty.StringVal(m.Pool))
	}
	if len(m.Tags) > 0 {
		ct.SetAttributeValue("tags", cty.StringVal(strings.Join(m.Tags, ";")))
	}
	if m.CloudInit.CIPassword != "" {
		ct.SetAttributeTraversal("password", varRef(passwordVar))
	}
	if len(m.CloudInit.SSHKeys) > 0 {
		ct.SetAttributeValue("ssh_public_keys", cty.StringVal(strings.Join(m.CloudInit.SSHKeys, "\n")))
	}
	if m.CloudInit.Nameserver != "" {
		ct.SetAttributeValue("nameserver", cty.StringVal(m.CloudInit.Nameserver))
	}

	rootfs := ct.AppendNewBlock("rootfs", nil).Body()
	rootfs.SetAttributeValue("storage", cty.StringVal(m.Disk.Storage))
	rootfs.SetAttributeValue("size", cty.StringVal(strconv.Itoa(m.Disk.SizeGB)+"G"))

	ip, gw := splitIPConfig(m.CloudInit.IPConfig0)
	network := ct.AppendNewBlock("network", nil).Body()
	network.SetAttributeValue("name", cty.StringVal("eth0"))
	network.SetAttributeValue("bridge", cty.StringVal(m.Network.Bridge))
	network.SetAttributeValue("ip", cty.StringVal(ip))
	if gw != "" {
		network.SetAttributeValue("gw", cty.StringVal(gw))
	}
	network.SetAttributeValue("firewall", cty.BoolVal(m.Network.Firewall))
}

func appendSecretVar(root *hclwrite.Body, name, description string) {
	v := root.AppendNewBlock("variable", []string{name}).Body()
	v.SetAttributeValue("description", cty.StringVal(description))
	v.SetAttributeTraversal("type", hcl.Traversal{hcl.TraverseRoot{Name: "string"}})
	v.SetAttributeValue("sensitive", cty.True)
	root.AppendNewline()
}

func varRef(name string) hcl.Traversal {
	return hcl.Traversal{
		hcl.TraverseRoot{Name: "var"},
		hcl.TraverseAttr{Name: name},
	}
}

// splitIPConfig turns "ip=10.0.0.5/24,gw=10.0.0.1" into its ip and gw parts.
func splitIPConfig(s string) (ip, gw string) {
	ip = "dhcp"
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ip":
			ip = v
		case "gw":
			gw = v
		}
	}
	return ip, gw
}
