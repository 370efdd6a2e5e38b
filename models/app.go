package models

// App represents one configured external system that sources and
// destinations connect through
type App struct {
	AppID string `gorm:"primarykey;column:app_id" json:"appId"`
	Name  string `gorm:"column:name;not null" json:"name"`
	Type  string `gorm:"column:type;not null" json:"type"`
	State State  `gorm:"column:state;not null;default:ready" json:"state"`
	// Parallelism caps how many connector tasks for this app may run at once
	Parallelism int       `gorm:"column:parallelism;not null;default:5" json:"parallelism"`
	Options     OptionMap `gorm:"column:options" json:"options"`
	BaseModel
}

// TableName sets the table name for GORM
func (App) TableName() string {
	return "apps"
}
