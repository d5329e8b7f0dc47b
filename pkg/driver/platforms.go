package driver

import (
	"regexp"
	"sort"
)

// dialect describes how one platform's CLI behaves. The zero value of
// saveCommand means the platform cannot persist configuration; commit is
// only meaningful on platforms that stage candidate configuration.
type dialect struct {
	// prompt matches the interactive prompt at the end of device output.
	prompt *regexp.Regexp

	// pagingOff disables output paging so long command output arrives in
	// one piece instead of behind --More-- pauses.
	pagingOff string

	configEnter string
	configExit  string

	// saveCommand persists the running configuration. Empty means the
	// platform has no save operation.
	saveCommand string

	// commitCommand applies candidate configuration. Empty means the
	// platform applies configuration immediately and cannot commit.
	commitCommand string

	// usesEnable is set on platforms where sessions may land in user EXEC
	// mode and need privilege escalation before configuration commands.
	usesEnable bool
}

// promptIOS matches Cisco-style prompts: "router>" or "router(config)#".
var promptIOS = regexp.MustCompile(`[\w.()/:@-]+[>#]\s*$`)

// promptJunos matches JunOS operational and configuration prompts, which
// end in ">" or "#" and follow a "user@host" name, plus the "%" shell
// prompt seen right after login on some images.
var promptJunos = regexp.MustCompile(`[\w.@()/:-]+[>#%]\s*$`)

var dialects = map[string]dialect{
	"cisco_ios": {
		prompt:      promptIOS,
		pagingOff:   "terminal length 0",
		configEnter: "configure terminal",
		configExit:  "end",
		saveCommand: "write memory",
		usesEnable:  true,
	},
	"cisco_xe": {
		prompt:      promptIOS,
		pagingOff:   "terminal length 0",
		configEnter: "configure terminal",
		configExit:  "end",
		saveCommand: "write memory",
		usesEnable:  true,
	},
	"cisco_xr": {
		prompt:        promptIOS,
		pagingOff:     "terminal length 0",
		configEnter:   "configure terminal",
		configExit:    "end",
		commitCommand: "commit",
	},
	"cisco_nxos": {
		prompt:      promptIOS,
		pagingOff:   "terminal length 0",
		configEnter: "configure terminal",
		configExit:  "end",
		saveCommand: "copy running-config startup-config",
	},
	"cisco_asa": {
		prompt:      promptIOS,
		pagingOff:   "terminal pager 0",
		configEnter: "configure terminal",
		configExit:  "end",
		saveCommand: "write memory",
		usesEnable:  true,
	},
	"arista_eos": {
		prompt:      promptIOS,
		pagingOff:   "terminal length 0",
		configEnter: "configure terminal",
		configExit:  "end",
		saveCommand: "write memory",
		usesEnable:  true,
	},
	"juniper_junos": {
		prompt:        promptJunos,
		pagingOff:     "set cli screen-length 0",
		configEnter:   "configure",
		configExit:    "exit configuration-mode",
		commitCommand: "commit",
	},
}

// Platforms returns the supported platform names in sorted order.
func Platforms() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Supported reports whether the platform name has a dialect.
func Supported(platform string) bool {
	_, ok := dialects[platform]

	return ok
}
