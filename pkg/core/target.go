package core

// TargetHost identifies the host a run converges.
type TargetHost struct {
	// Host is the name the remote exec command is invoked with.
	Host string `json:"host"`

	// Hostname is the resolved short host name.
	Hostname string `json:"hostname"`

	// FQDN is the fully qualified domain name.
	FQDN string `json:"fqdn"`
}

// Env returns the __target_* variables of the host.
func (t TargetHost) Env() map[string]string {
	return map[string]string{
		"__target_host":     t.Host,
		"__target_hostname": t.Hostname,
		"__target_fqdn":     t.FQDN,
	}
}
