package relayer

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type AccessFilter struct {
	IPs AccessList
}

type AccessList struct {
	AllowList map[string]struct{}
	BlockList map[string]struct{}
}

type accessListFile struct {
	Allow []string `yaml:"allow"`
	Block []string `yaml:"block"`
}

// NewAccessList builds a list from comma separated identities.
func NewAccessList(allow, block string) AccessList {
	return AccessList{
		AllowList: toSet(strings.Split(allow, ",")),
		BlockList: toSet(strings.Split(block, ",")),
	}
}

// LoadAccessListFromYAML reads
//
//	allow: [ ... ]
//	block: [ ... ]
func LoadAccessListFromYAML(filename string) (AccessList, error) {
	yamlBytes, err := os.ReadFile(filename)
	if err != nil {
		return AccessList{}, errors.Wrapf(err, "could not read access list %s", filename)
	}
	var data accessListFile
	if err := yaml.UnmarshalStrict(yamlBytes, &data); err != nil {
		return AccessList{}, errors.Wrapf(err, "could not parse access list %s", filename)
	}
	return AccessList{
		AllowList: toSet(data.Allow),
		BlockList: toSet(data.Block),
	}, nil
}

// Merge adds every entry of other to l.
func (l AccessList) Merge(other AccessList) AccessList {
	out := AccessList{AllowList: map[string]struct{}{}, BlockList: map[string]struct{}{}}
	for _, src := range []AccessList{l, other} {
		for k := range src.AllowList {
			out.AllowList[k] = struct{}{}
		}
		for k := range src.BlockList {
			out.BlockList[k] = struct{}{}
		}
	}
	return out
}

// Check reports whether identity is allow-listed and whether it is blocked.
// An allow-listed identity is never blocked.
func (l AccessList) Check(identity string) (allowed, blocked bool) {
	if _, ok := l.AllowList[identity]; ok {
		return true, false
	}
	_, blocked = l.BlockList[identity]
	return false, blocked
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}
