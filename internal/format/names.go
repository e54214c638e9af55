// Copyright (c) the strata authors
// Licensed under the MIT license

package format

import "strings"

// ChangeSuffix renames a container's payload after its parent. Rules are
// space separated, each either a bare suffix to strip (".gz") or a
// rewrite (".tgz=.tar"). The first matching rule wins; a rule never
// leaves the name empty. No match returns s unchanged.
func ChangeSuffix(s string, rules string) string {
	for _, rule := range strings.Split(rules, " ") {
		from, to, _ := strings.Cut(rule, "=")
		if strings.HasSuffix(s, from) && len(s) > len(from) {
			return s[:len(s)-len(from)] + to
		}
	}
	return s
}
