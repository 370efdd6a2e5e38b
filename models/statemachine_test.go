package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupModelTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	err = db.AutoMigrate(&Profile{}, &ProfileProperty{}, &Source{}, &Group{})
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

func TestValidateTransition(t *testing.T) {
	db := setupModelTestDB(t)

	t.Run("BootstrapStateAcceptedUnconditionally", func(t *testing.T) {
		source := &Source{SourceID: "src_new"}
		err := ValidateTransition(db, source, SourceTransitions, "", StateReady)
		assert.NoError(t, err)
	})

	t.Run("UnknownTransitionRejectedNamingBothStates", func(t *testing.T) {
		profile := &Profile{ProfileID: "pro_1"}
		err := ValidateTransition(db, profile, ProfileTransitions, StateReady, StateDraft)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Contains(t, err.Error(), `"ready"`)
		assert.Contains(t, err.Error(), `"draft"`)
	})

	t.Run("SameStateIsNoop", func(t *testing.T) {
		profile := &Profile{ProfileID: "pro_1"}
		err := ValidateTransition(db, profile, ProfileTransitions, StateReady, StateReady)
		assert.NoError(t, err)
	})

	t.Run("FailingCheckAbortsTransition", func(t *testing.T) {
		profile := &Profile{ProfileID: "pro_check"}
		assert.NoError(t, db.Create(profile).Error)
		assert.NoError(t, db.Create(&ProfileProperty{
			ProfilePropertyID: "prp_check",
			ProfileID:         profile.ProfileID,
			PropertyID:        "prt_check",
			State:             StatePending,
		}).Error)

		err := ValidateTransition(db, profile, ProfileTransitions, StatePending, StateReady)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not all properties are ready")
	})

	t.Run("ChecksRunInOrderAndFirstErrorWins", func(t *testing.T) {
		var calls []string
		transitions := []Transition[*Source]{
			{From: StateDraft, To: StateReady, Checks: []TransitionCheck[*Source]{
				func(tx *gorm.DB, s *Source) error {
					calls = append(calls, "first")
					return fmt.Errorf("first check failed")
				},
				func(tx *gorm.DB, s *Source) error {
					calls = append(calls, "second")
					return nil
				},
			}},
		}

		err := ValidateTransition(db, &Source{SourceID: "src_ord"}, transitions, StateDraft, StateReady)
		assert.EqualError(t, err, "first check failed")
		assert.Equal(t, []string{"first"}, calls)
	})
}

func TestSourceTransitions(t *testing.T) {
	db := setupModelTestDB(t)

	t.Run("DraftToReadyRequiresOptionsAndMapping", func(t *testing.T) {
		source := &Source{SourceID: "src_1", Type: "test-source"}

		err := ValidateTransition(db, source, SourceTransitions, StateDraft, StateReady)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no options set")

		source.Options = OptionMap{"table": "users"}
		err = ValidateTransition(db, source, SourceTransitions, StateDraft, StateReady)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "mapping not set")

		source.Mapping = OptionMap{"email": "email"}
		err = ValidateTransition(db, source, SourceTransitions, StateDraft, StateReady)
		assert.NoError(t, err)
	})

	t.Run("ReadyAndDeletedAreInterchangeable", func(t *testing.T) {
		source := &Source{
			SourceID: "src_2",
			Options:  OptionMap{"table": "users"},
			Mapping:  OptionMap{"email": "email"},
		}
		assert.NoError(t, ValidateTransition(db, source, SourceTransitions, StateReady, StateDeleted))
		assert.NoError(t, ValidateTransition(db, source, SourceTransitions, StateDeleted, StateReady))
	})
}

func TestGroupTransitions(t *testing.T) {
	db := setupModelTestDB(t)

	t.Run("CalculatedGroupNeedsRulesToBeReady", func(t *testing.T) {
		group := &Group{GroupID: "grp_1", Type: GroupTypeCalculated}
		err := ValidateTransition(db, group, GroupTransitions, StateDraft, StateReady)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "has no rules")

		group.Rules = GroupRules{{Key: "age", Op: RuleOpGreaterThan, Match: "18"}}
		assert.NoError(t, ValidateTransition(db, group, GroupTransitions, StateDraft, StateReady))
	})

	t.Run("ManualGroupReadyWithoutRules", func(t *testing.T) {
		group := &Group{GroupID: "grp_2", Type: GroupTypeManual}
		assert.NoError(t, ValidateTransition(db, group, GroupTransitions, StateDraft, StateReady))
	})
}

func TestEnsureNotLocked(t *testing.T) {
	assert.NoError(t, EnsureNotLocked("", "source", "src_1"))

	err := EnsureNotLocked("config:code", "source", "src_1")
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "src_1")
	assert.Contains(t, err.Error(), "config:code")
}

func TestGroupRulesValidate(t *testing.T) {
	t.Run("RuleLimitEnforced", func(t *testing.T) {
		rules := make(GroupRules, GroupRuleLimit+1)
		for i := range rules {
			rules[i] = GroupRule{Key: "age", Op: RuleOpEquals, Match: "1"}
		}
		err := rules.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "at most")
	})

	t.Run("UnknownOperatorRejected", func(t *testing.T) {
		rules := GroupRules{{Key: "age", Op: "between", Match: "1"}}
		err := rules.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `unknown operator "between"`)
	})
}
