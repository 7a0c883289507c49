package orchestrator

import "github.com/alexisbeaulieu97/nfvo/internal/vim"

// MergeCloudConfig combines two cloud-init payloads. Values of preserved win
// over other: key pairs are unioned, users are merged by name with their keys
// unioned, user data and the boot data drive flag come from preserved when
// set, and config files are merged by destination. Either argument may be
// nil; the result is nil only when both are.
func MergeCloudConfig(preserved, other *vim.CloudConfig) *vim.CloudConfig {
	if preserved == nil && other == nil {
		return nil
	}
	if preserved == nil {
		preserved = &vim.CloudConfig{}
	}
	if other == nil {
		other = &vim.CloudConfig{}
	}

	out := &vim.CloudConfig{
		KeyPairs:      unionStrings(preserved.KeyPairs, other.KeyPairs),
		UserData:      other.UserData,
		BootDataDrive: other.BootDataDrive,
	}
	if preserved.UserData != nil {
		out.UserData = preserved.UserData
	}
	if preserved.BootDataDrive != nil {
		out.BootDataDrive = preserved.BootDataDrive
	}

	users := make(map[string]int)
	for _, u := range append(append([]vim.User(nil), preserved.Users...), other.Users...) {
		if i, ok := users[u.Name]; ok {
			out.Users[i].KeyPairs = unionStrings(out.Users[i].KeyPairs, u.KeyPairs)
			continue
		}
		users[u.Name] = len(out.Users)
		out.Users = append(out.Users, vim.User{Name: u.Name, KeyPairs: unionStrings(u.KeyPairs, nil)})
	}

	files := make(map[string]struct{})
	for _, f := range append(append([]vim.ConfigFile(nil), preserved.ConfigFiles...), other.ConfigFiles...) {
		if _, ok := files[f.Dest]; ok {
			continue
		}
		files[f.Dest] = struct{}{}
		out.ConfigFiles = append(out.ConfigFiles, f)
	}
	return out
}

// unionStrings keeps the first occurrence of every value, a before b.
func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
