package services

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/synckit/profile-engine/models"
	"gorm.io/gorm"
)

// GroupService evaluates declarative membership rules and maintains the
// materialized group membership rows
type GroupService struct {
	db *gorm.DB
}

// NewGroupService creates a new group service
func NewGroupService(db *gorm.DB) *GroupService {
	return &GroupService{db: db}
}

const ruleExistsSQL = "EXISTS (SELECT 1 FROM profile_properties pp" +
	" JOIN properties p ON p.property_id = pp.property_id" +
	" WHERE pp.profile_id = profiles.profile_id AND p.key = ? AND pp.state = ? AND %s)"

// ruleClause translates one rule into a SQL predicate over the profiles
// table. Numeric properties compare via CAST; date rules with the relative
// flag compare against now minus the matched day count, computed here at
// query time rather than baked into a stored value.
func (s *GroupService) ruleClause(tx *gorm.DB, rule models.GroupRule) (string, []interface{}, error) {
	var property models.Property
	if err := tx.First(&property, "key = ?", rule.Key).Error; err != nil {
		return "", nil, fmt.Errorf("rule references unknown property %q: %w", rule.Key, err)
	}

	numeric := property.Type == models.PropertyTypeInteger || property.Type == models.PropertyTypeFloat
	valueColumn := "pp.raw_value"
	if numeric {
		valueColumn = "CAST(pp.raw_value AS NUMERIC)"
	}

	match := interface{}(rule.Match)
	if numeric {
		parsed, err := strconv.ParseFloat(rule.Match, 64)
		if err != nil {
			return "", nil, fmt.Errorf("rule on numeric property %q has non-numeric match %q", rule.Key, rule.Match)
		}
		match = parsed
	}
	if rule.Relative {
		if property.Type != models.PropertyTypeDate {
			return "", nil, fmt.Errorf("relative matching requires a date property, %q is %s", rule.Key, property.Type)
		}
		days, err := strconv.Atoi(rule.Match)
		if err != nil {
			return "", nil, fmt.Errorf("relative rule on %q needs a day count, got %q", rule.Key, rule.Match)
		}
		match = time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	}

	exists := func(cond string, args ...interface{}) (string, []interface{}) {
		full := append([]interface{}{rule.Key, models.StateReady}, args...)
		return fmt.Sprintf(ruleExistsSQL, cond), full
	}

	switch rule.Op {
	case models.RuleOpEquals:
		clause, args := exists(valueColumn+" = ?", match)
		return clause, args, nil
	case models.RuleOpNotEquals:
		present, presentArgs := exists("pp.raw_value IS NOT NULL")
		equal, equalArgs := exists(valueColumn+" = ?", match)
		return "(" + present + " AND NOT " + equal + ")", append(presentArgs, equalArgs...), nil
	case models.RuleOpGreaterThan:
		clause, args := exists(valueColumn+" > ?", match)
		return clause, args, nil
	case models.RuleOpGreaterOrEq:
		clause, args := exists(valueColumn+" >= ?", match)
		return clause, args, nil
	case models.RuleOpLessThan:
		clause, args := exists(valueColumn+" < ?", match)
		return clause, args, nil
	case models.RuleOpLessOrEq:
		clause, args := exists(valueColumn+" <= ?", match)
		return clause, args, nil
	case models.RuleOpContains:
		clause, args := exists("pp.raw_value LIKE ?", "%"+rule.Match+"%")
		return clause, args, nil
	case models.RuleOpIn:
		options := strings.Split(rule.Match, ",")
		placeholders := make([]string, len(options))
		args := make([]interface{}, len(options))
		for i, option := range options {
			placeholders[i] = "?"
			args[i] = strings.TrimSpace(option)
		}
		clause, fullArgs := exists("pp.raw_value IN ("+strings.Join(placeholders, ",")+")", args...)
		return clause, fullArgs, nil
	default:
		return "", nil, fmt.Errorf("unknown rule operator %q", rule.Op)
	}
}

// rulesQuery builds the profiles query for a flat rule list on the given
// handle; callers inside a transaction pass their tx so the evaluation sees
// same-transaction writes. Rules combine with AND (all) or OR (any); there
// is no nested boolean grouping.
func (s *GroupService) rulesQuery(tx *gorm.DB, rules models.GroupRules, matchType models.MatchType) (*gorm.DB, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("cannot evaluate an empty rule set")
	}

	clauses := make([]string, 0, len(rules))
	var args []interface{}
	for _, rule := range rules {
		clause, ruleArgs, err := s.ruleClause(tx, rule)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, ruleArgs...)
	}

	operator := " AND "
	if matchType == models.MatchTypeAny {
		operator = " OR "
	}
	combined := "(" + strings.Join(clauses, operator) + ")"

	return tx.Model(&models.Profile{}).Where(combined, args...), nil
}

// CountPotentialMembers counts profiles whose current property values
// satisfy the candidate rule set. Used for live preview before saving.
func (s *GroupService) CountPotentialMembers(rules models.GroupRules, matchType models.MatchType) (int64, error) {
	query, err := s.rulesQuery(s.db, rules, matchType)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ComponentCounts pairs each rule with the number of profiles matching it
// alone and the number matching the cumulative AND/OR prefix ending at it
type ComponentCounts struct {
	Rule           models.GroupRule `json:"rule"`
	ComponentCount int64            `json:"componentCount"`
	FunnelCount    int64            `json:"funnelCount"`
}

// CountComponentMembers reports, per individual rule and per funnel step,
// how many profiles match. Shares the query builder with the full
// evaluation, so the counts reflect identical semantics.
func (s *GroupService) CountComponentMembers(rules models.GroupRules, matchType models.MatchType) ([]ComponentCounts, error) {
	counts := make([]ComponentCounts, 0, len(rules))
	for i, rule := range rules {
		component, err := s.CountPotentialMembers(models.GroupRules{rule}, matchType)
		if err != nil {
			return nil, err
		}
		funnel, err := s.CountPotentialMembers(rules[:i+1], matchType)
		if err != nil {
			return nil, err
		}
		counts = append(counts, ComponentCounts{Rule: rule, ComponentCount: component, FunnelCount: funnel})
	}
	return counts, nil
}

// ProfileMatches tests one profile against a group's rules on the given
// handle
func (s *GroupService) ProfileMatches(tx *gorm.DB, profileID string, group *models.Group) (bool, error) {
	if group.Type != models.GroupTypeCalculated {
		return false, fmt.Errorf("group %s is not calculated", group.GroupID)
	}
	query, err := s.rulesQuery(tx, group.Rules, group.MatchType)
	if err != nil {
		return false, err
	}
	var count int64
	err = query.Where("profiles.profile_id = ?", profileID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RunGroup rebuilds the full membership of a calculated group, returning the
// profile ids added and removed
func (s *GroupService) RunGroup(groupID string) (added, removed []string, err error) {
	var group models.Group
	if err := s.db.First(&group, "group_id = ?", groupID).Error; err != nil {
		return nil, nil, err
	}
	if group.Type != models.GroupTypeCalculated {
		return nil, nil, fmt.Errorf("only calculated groups can be recalculated, group %s is %s", groupID, group.Type)
	}

	query, err := s.rulesQuery(s.db, group.Rules, group.MatchType)
	if err != nil {
		return nil, nil, err
	}
	var matching []string
	if err := query.Pluck("profiles.profile_id", &matching).Error; err != nil {
		return nil, nil, err
	}

	var current []string
	err = s.db.Model(&models.GroupMember{}).
		Where("group_id = ?", groupID).
		Pluck("profile_id", &current).Error
	if err != nil {
		return nil, nil, err
	}

	matchingSet := map[string]bool{}
	for _, id := range matching {
		matchingSet[id] = true
	}
	currentSet := map[string]bool{}
	for _, id := range current {
		currentSet[id] = true
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, profileID := range matching {
			if currentSet[profileID] {
				continue
			}
			member := models.GroupMember{
				GroupMemberID: models.NewID("mem"),
				GroupID:       groupID,
				ProfileID:     profileID,
			}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
			added = append(added, profileID)
		}
		for _, profileID := range current {
			if matchingSet[profileID] {
				continue
			}
			err := tx.Where("group_id = ? AND profile_id = ?", groupID, profileID).
				Delete(&models.GroupMember{}).Error
			if err != nil {
				return err
			}
			removed = append(removed, profileID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("group recalculated", "groupID", groupID, "added", len(added), "removed", len(removed))
	return added, removed, nil
}

// UpdateProfileMembership re-evaluates one profile against every ready
// calculated group and returns the old and new group id sets. Manual
// memberships carry over untouched.
func (s *GroupService) UpdateProfileMembership(tx *gorm.DB, profileID string) (oldGroups, newGroups []string, err error) {
	err = tx.Model(&models.GroupMember{}).
		Where("profile_id = ?", profileID).
		Pluck("group_id", &oldGroups).Error
	if err != nil {
		return nil, nil, err
	}
	oldSet := map[string]bool{}
	for _, id := range oldGroups {
		oldSet[id] = true
	}

	var calculated []models.Group
	err = tx.Where("type = ? AND state = ?", models.GroupTypeCalculated, models.StateReady).
		Find(&calculated).Error
	if err != nil {
		return nil, nil, err
	}

	calculatedSet := map[string]bool{}
	for i := range calculated {
		group := &calculated[i]
		calculatedSet[group.GroupID] = true

		matches, err := s.ProfileMatches(tx, profileID, group)
		if err != nil {
			return nil, nil, err
		}

		if matches && !oldSet[group.GroupID] {
			member := models.GroupMember{
				GroupMemberID: models.NewID("mem"),
				GroupID:       group.GroupID,
				ProfileID:     profileID,
			}
			if err := tx.Create(&member).Error; err != nil {
				return nil, nil, err
			}
		}
		if !matches && oldSet[group.GroupID] {
			err := tx.Where("group_id = ? AND profile_id = ?", group.GroupID, profileID).
				Delete(&models.GroupMember{}).Error
			if err != nil {
				return nil, nil, err
			}
		}
	}

	err = tx.Model(&models.GroupMember{}).
		Where("profile_id = ?", profileID).
		Pluck("group_id", &newGroups).Error
	if err != nil {
		return nil, nil, err
	}

	sort.Strings(oldGroups)
	sort.Strings(newGroups)
	return oldGroups, newGroups, nil
}

// AddProfile adds a profile to a manual group. Calculated membership is
// derived and cannot be mutated directly.
func (s *GroupService) AddProfile(groupID, profileID string) error {
	var group models.Group
	if err := s.db.First(&group, "group_id = ?", groupID).Error; err != nil {
		return err
	}
	if group.Type != models.GroupTypeManual {
		return fmt.Errorf("only manual groups can have membership manipulated, group %s is %s", groupID, group.Type)
	}

	var count int64
	err := s.db.Model(&models.GroupMember{}).
		Where("group_id = ? AND profile_id = ?", groupID, profileID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	member := models.GroupMember{
		GroupMemberID: models.NewID("mem"),
		GroupID:       groupID,
		ProfileID:     profileID,
	}
	return s.db.Create(&member).Error
}

// RemoveProfile removes a profile from a manual group
func (s *GroupService) RemoveProfile(groupID, profileID string) error {
	var group models.Group
	if err := s.db.First(&group, "group_id = ?", groupID).Error; err != nil {
		return err
	}
	if group.Type != models.GroupTypeManual {
		return fmt.Errorf("only manual groups can have membership manipulated, group %s is %s", groupID, group.Type)
	}
	return s.db.Where("group_id = ? AND profile_id = ?", groupID, profileID).
		Delete(&models.GroupMember{}).Error
}

// EnsureNotInUse fails while any destination subscribes to the group
func (s *GroupService) EnsureNotInUse(group *models.Group) error {
	var count int64
	err := s.db.Model(&models.Destination{}).
		Where("group_id = ? AND state <> ?", group.GroupID, models.StateDeleted).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("cannot delete group %s while destinations are subscribed to it", group.GroupID)
	}
	return nil
}

// DestroyGroup deletes a group. Without force this is a soft transition to
// the deleted state awaiting asynchronous cleanup; with force the members
// and the group row are removed immediately.
func (s *GroupService) DestroyGroup(groupID string, force bool) error {
	var group models.Group
	if err := s.db.First(&group, "group_id = ?", groupID).Error; err != nil {
		return err
	}
	if err := models.EnsureNotLocked(group.Locked, "group", group.GroupID); err != nil {
		return err
	}
	if err := s.EnsureNotInUse(&group); err != nil {
		return err
	}

	if !force {
		err := models.ValidateTransition(s.db, &group, models.GroupTransitions, group.State, models.StateDeleted)
		if err != nil {
			return err
		}
		return s.db.Model(&group).Update("state", models.StateDeleted).Error
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", groupID).Delete(&models.GroupMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(&group).Error
	})
}
