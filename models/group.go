package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

// GroupRuleLimit bounds how many rules a single group may declare
const GroupRuleLimit = 10

// Rule operators
const (
	RuleOpEquals      = "eq"
	RuleOpNotEquals   = "ne"
	RuleOpGreaterThan = "gt"
	RuleOpGreaterOrEq = "gte"
	RuleOpLessThan    = "lt"
	RuleOpLessOrEq    = "lte"
	RuleOpContains    = "contains"
	RuleOpIn          = "in"
)

// GroupRule is one flat predicate against a property key. Rules do not nest;
// a group's rules form a single AND/OR list. When Relative is set, Match is
// a day count and the rule compares the (date-valued) property against
// now minus that many days, computed at query time.
type GroupRule struct {
	Key      string `json:"key"`
	Op       string `json:"op"`
	Match    string `json:"match"`
	Relative bool   `json:"relative,omitempty"`
}

// GroupRules stores a group's ordered rule list as a JSON column
type GroupRules []GroupRule

// Scan implements the sql.Scanner interface for GroupRules
func (gr *GroupRules) Scan(value interface{}) error {
	if value == nil {
		*gr = GroupRules{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into GroupRules", value)
	}

	return json.Unmarshal(bytes, gr)
}

// Value implements the driver.Valuer interface for GroupRules
func (gr GroupRules) Value() (driver.Value, error) {
	if gr == nil {
		gr = GroupRules{}
	}
	data, err := json.Marshal(gr)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType gorm common data type
func (GroupRules) GormDataType() string {
	return "json"
}

// Validate checks the rule list against the rule limit and known operators
func (gr GroupRules) Validate() error {
	if len(gr) > GroupRuleLimit {
		return fmt.Errorf("groups can have at most %d rules", GroupRuleLimit)
	}
	for i, rule := range gr {
		if rule.Key == "" {
			return fmt.Errorf("rule %d has no property key", i)
		}
		switch rule.Op {
		case RuleOpEquals, RuleOpNotEquals, RuleOpGreaterThan, RuleOpGreaterOrEq,
			RuleOpLessThan, RuleOpLessOrEq, RuleOpContains, RuleOpIn:
		default:
			return fmt.Errorf("rule %d has unknown operator %q", i, rule.Op)
		}
	}
	return nil
}

// Group is a named membership set, manual or rule-calculated
type Group struct {
	GroupID   string     `gorm:"primarykey;column:group_id" json:"groupId"`
	Name      string     `gorm:"column:name;not null" json:"name"`
	Type      GroupType  `gorm:"column:type;not null" json:"type"`
	MatchType MatchType  `gorm:"column:match_type;not null;default:all" json:"matchType"`
	Rules     GroupRules `gorm:"column:rules" json:"rules"`
	State     State      `gorm:"column:state;not null;default:draft" json:"state"`
	Locked    string     `gorm:"column:locked" json:"locked"`
	BaseModel
}

// TableName sets the table name for GORM
func (Group) TableName() string {
	return "groups"
}

// GroupTransitions is the state machine for groups
var GroupTransitions = []Transition[*Group]{
	{From: StateDraft, To: StateReady, Checks: []TransitionCheck[*Group]{
		validateGroupRules,
	}},
	{From: StateDraft, To: StateDeleted},
	{From: StateReady, To: StateDeleted},
	{From: StateDeleted, To: StateReady},
}

func validateGroupRules(tx *gorm.DB, group *Group) error {
	if group.Type == GroupTypeCalculated && len(group.Rules) == 0 {
		return fmt.Errorf("calculated group %s has no rules", group.GroupID)
	}
	return group.Rules.Validate()
}

// GroupMember is the materialized membership join row. For calculated groups
// it is derived and rebuilt; for manual groups it is the source of truth.
type GroupMember struct {
	GroupMemberID string `gorm:"primarykey;column:group_member_id" json:"groupMemberId"`
	GroupID       string `gorm:"column:group_id;not null;uniqueIndex:idx_group_profile" json:"groupId"`
	ProfileID     string `gorm:"column:profile_id;not null;uniqueIndex:idx_group_profile" json:"profileId"`
	BaseModel
}

// TableName sets the table name for GORM
func (GroupMember) TableName() string {
	return "group_members"
}
