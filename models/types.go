package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// State represents the lifecycle state of a stateful entity
type State string

const (
	StateDraft      State = "draft"
	StatePending    State = "pending"
	StateReady      State = "ready"
	StateDeleted    State = "deleted"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Scan implements the sql.Scanner interface for State
func (s *State) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = State(v)
	case []byte:
		*s = State(v)
	default:
		return fmt.Errorf("cannot scan %T into State", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for State
func (s State) Value() (driver.Value, error) {
	return string(s), nil
}

// PropertyType enumerates the value types a property definition can declare
type PropertyType string

const (
	PropertyTypeString  PropertyType = "string"
	PropertyTypeInteger PropertyType = "integer"
	PropertyTypeFloat   PropertyType = "float"
	PropertyTypeBoolean PropertyType = "boolean"
	PropertyTypeDate    PropertyType = "date"
	PropertyTypeEmail   PropertyType = "email"
)

// GroupType distinguishes manual membership from rule-calculated membership
type GroupType string

const (
	GroupTypeManual     GroupType = "manual"
	GroupTypeCalculated GroupType = "calculated"
)

// MatchType combines a group's rules with boolean AND or OR
type MatchType string

const (
	MatchTypeAll MatchType = "all"
	MatchTypeAny MatchType = "any"
)

// StringSlice stores an ordered list of raw values as a JSON column
type StringSlice []string

// Scan implements the sql.Scanner interface for StringSlice
func (ss *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*ss = StringSlice{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}

	return json.Unmarshal(bytes, ss)
}

// Value implements the driver.Valuer interface for StringSlice
func (ss StringSlice) Value() (driver.Value, error) {
	if ss == nil {
		ss = StringSlice{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType gorm common data type
func (StringSlice) GormDataType() string {
	return "json"
}

// OptionMap stores the configured options of a source, destination or
// property as a JSON column, e.g. {"query": "select age from users where id = {{ userId }}"}
type OptionMap map[string]string

// Scan implements the sql.Scanner interface for OptionMap
func (om *OptionMap) Scan(value interface{}) error {
	if value == nil {
		*om = OptionMap{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into OptionMap", value)
	}

	return json.Unmarshal(bytes, om)
}

// Value implements the driver.Valuer interface for OptionMap
func (om OptionMap) Value() (driver.Value, error) {
	if om == nil {
		om = OptionMap{}
	}
	data, err := json.Marshal(om)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType gorm common data type
func (OptionMap) GormDataType() string {
	return "json"
}

// ValueMap captures a snapshot of a profile's property values keyed by
// property key, used by exports to record old/new value sets
type ValueMap map[string][]string

// Scan implements the sql.Scanner interface for ValueMap
func (vm *ValueMap) Scan(value interface{}) error {
	if value == nil {
		*vm = ValueMap{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ValueMap", value)
	}

	return json.Unmarshal(bytes, vm)
}

// Value implements the driver.Valuer interface for ValueMap
func (vm ValueMap) Value() (driver.Value, error) {
	if vm == nil {
		vm = ValueMap{}
	}
	data, err := json.Marshal(vm)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType gorm common data type
func (ValueMap) GormDataType() string {
	return "json"
}
