package entities

import "github.com/JonMunkholm/ucshadow/internal/core"

func init() {
	registerJobStatus()
	registerEmployeeFlags()
	registerUCPathSync()
}

// Job status, employee flags and sync state are the entity types the HR
// office corrects locally most often.

func registerJobStatus() {
	core.Register(core.EntityType{
		Name:       "job_status",
		Group:      "Local",
		Label:      "Job Status",
		Source:     "PS_JOB",
		KeyColumns: []string{"EMPLID", "EMPL_RCD"},
		Attributes: []core.AttributeSpec{
			{Name: "emplStatus", Column: "EMPL_STATUS", Type: core.FieldText, Label: "Employee Status"},
			{Name: "action", Column: "ACTION", Type: core.FieldText, Label: "Action"},
			{Name: "actionReason", Column: "ACTION_REASON", Type: core.FieldText, Label: "Action Reason"},
			{Name: "terminationDate", Column: "TERMINATION_DT", Type: core.FieldDate, Label: "Termination Date"},
		},
		Overridable: true,
	})
}

func registerEmployeeFlags() {
	core.Register(core.EntityType{
		Name:       "employee_flags",
		Group:      "Local",
		Label:      "Employee Flags",
		Source:     "UC_EMPLOYEE_FLAGS",
		KeyColumns: []string{"EMPLID"},
		Attributes: []core.AttributeSpec{
			{Name: "isFaculty", Column: "IS_FACULTY", Type: core.FieldBool, Label: "Faculty"},
			{Name: "isStudent", Column: "IS_STUDENT", Type: core.FieldBool, Label: "Student"},
			{Name: "isRetiree", Column: "IS_RETIREE", Type: core.FieldBool, Label: "Retiree"},
			{Name: "benefitsEligible", Column: "BENEFITS_ELIG", Type: core.FieldBool, Label: "Benefits Eligible"},
		},
		Overridable: true,
	})
}

func registerUCPathSync() {
	core.Register(core.EntityType{
		Name:       "ucpath_sync",
		Group:      "Local",
		Label:      "UCPath Sync",
		Source:     "UC_SYNC_STATUS",
		KeyColumns: []string{"EMPLID"},
		Attributes: []core.AttributeSpec{
			{Name: "syncEnabled", Column: "SYNC_ENABLED", Type: core.FieldBool, Label: "Sync Enabled"},
			{Name: "lastSyncDate", Column: "LAST_SYNC_DT", Type: core.FieldDate, Label: "Last Sync"},
			{Name: "syncNote", Column: "SYNC_NOTE", Type: core.FieldText, Label: "Note"},
		},
		Overridable: true,
	})
}
