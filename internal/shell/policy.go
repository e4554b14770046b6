package shell

import "strings"

// Rule inspects one argv and returns a human-readable reason when the
// command must not run, or "" to allow it.
type Rule func(argv []string) string

// Policy is an ordered rule set; the first non-empty reason wins.
type Policy []Rule

// Check screens one argv against every rule.
func (p Policy) Check(argv []string) string {
	for _, rule := range p {
		if reason := rule(argv); reason != "" {
			return reason
		}
	}
	return ""
}

// Deny refuses the named commands outright.
func Deny(reason string, names ...string) Rule {
	denied := make(map[string]struct{}, len(names))
	for _, n := range names {
		denied[n] = struct{}{}
	}
	return func(argv []string) string {
		if len(argv) == 0 {
			return ""
		}
		if _, ok := denied[argv[0]]; ok {
			return reason
		}
		return ""
	}
}

// DenySubcommand refuses cmd when its positional arguments start with sub
// and (if given) all of flags are present.
//
// DenySubcommand("installs globally", "npm", []string{"install"}, []string{"-g"})
// refuses "npm install -g <pkg>" but allows "npm install <pkg>".
func DenySubcommand(reason, cmd string, sub, flags []string) Rule {
	return func(argv []string) string {
		if len(argv) == 0 || argv[0] != cmd {
			return ""
		}
		positional, present := splitFlags(argv[1:])
		if !hasPrefix(positional, sub) {
			return ""
		}
		for _, f := range flags {
			if _, ok := present[f]; !ok {
				return ""
			}
		}
		return reason
	}
}

func splitFlags(args []string) (positional []string, flags map[string]struct{}) {
	flags = make(map[string]struct{})
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			flags[a] = struct{}{}
		} else {
			positional = append(positional, a)
		}
	}
	return positional, flags
}

func hasPrefix(haystack, needle []string) bool {
	if len(haystack) < len(needle) {
		return false
	}
	for i, n := range needle {
		if haystack[i] != n {
			return false
		}
	}
	return true
}

// DefaultPolicy is the deny set applied to every Shell tool command.
// Directory escapes are handled by cwd clamping in the Runner, not here
// (cd is a builtin the exec screen never sees).
func DefaultPolicy() Policy {
	return Policy{
		Deny("shells and interpreters can re-exec blocked commands",
			"bash", "sh", "zsh", "fish", "csh", "tcsh", "ksh", "dash",
			"env", "nohup", "xargs", "strace", "ltrace",
			"python", "python3", "python2", "node", "ruby", "perl",
			"php", "lua", "tclsh", "wish"),
		Deny("network and download commands are not allowed; use the WebFetch tool",
			"aria2c", "axel", "curl", "curlie", "http-prompt", "httpie",
			"links", "lynx", "nc", "ncat", "scp", "sftp", "ssh",
			"telnet", "w3m", "wget", "xh"),
		Deny("privilege escalation is not allowed",
			"doas", "su", "sudo"),
		Deny("package managers modify the system",
			"apk", "apt", "apt-cache", "apt-get", "dnf", "dpkg", "emerge",
			"home-manager", "makepkg", "opkg", "pacman", "paru", "pkg",
			"pkg_add", "pkg_delete", "portage", "rpm", "yay", "yum", "zypper"),
		Deny("system modification is not allowed",
			"at", "batch", "chkconfig", "crontab", "fdisk", "mkfs", "mount",
			"parted", "service", "systemctl", "umount"),
		Deny("network configuration is not allowed",
			"firewall-cmd", "ifconfig", "ip", "iptables", "netstat", "pfctl",
			"route", "ufw"),

		DenySubcommand("installs packages globally", "npm", []string{"install"}, []string{"-g"}),
		DenySubcommand("installs packages globally", "npm", []string{"install"}, []string{"--global"}),
		DenySubcommand("installs packages globally", "pnpm", []string{"add"}, []string{"-g"}),
		DenySubcommand("installs packages globally", "pnpm", []string{"add"}, []string{"--global"}),
		DenySubcommand("installs packages globally", "yarn", []string{"global"}, nil),
		DenySubcommand("installs packages outside the project", "pip", []string{"install"}, nil),
		DenySubcommand("installs packages outside the project", "pip3", []string{"install"}, nil),
		DenySubcommand("installs packages outside the project", "gem", []string{"install"}, nil),
		DenySubcommand("installs packages outside the project", "cargo", []string{"install"}, nil),
		DenySubcommand("installs packages outside the project", "go", []string{"install"}, nil),
		DenySubcommand("-exec runs an arbitrary binary", "go", []string{"test"}, []string{"-exec"}),
	}
}
