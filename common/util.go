package common

import (
	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags helper function for building a component's log tags from a base set
func CopyLogTags(base log.Fields, extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range base {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}
