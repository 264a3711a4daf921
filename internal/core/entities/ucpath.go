package entities

import "github.com/JonMunkholm/ucshadow/internal/core"

func init() {
	registerJob()
	registerPosition()
	registerPerson()
}

// registerJob mirrors PS_JOB: one row per employment record per effective
// date and sequence.
func registerJob() {
	core.Register(core.EntityType{
		Name:       "job",
		Group:      "UCPath",
		Label:      "Job",
		Source:     "PS_JOB",
		KeyColumns: []string{"EMPLID", "EMPL_RCD"},
		Attributes: []core.AttributeSpec{
			{Name: "emplid", Column: "EMPLID", Type: core.FieldText, Label: "Employee ID", ReadOnly: true},
			{Name: "emplRcd", Column: "EMPL_RCD", Type: core.FieldNumeric, Label: "Employment Record", ReadOnly: true},
			{Name: "deptCode", Column: "DEPTID", Type: core.FieldText, Label: "Department"},
			{Name: "jobCode", Column: "JOBCODE", Type: core.FieldText, Label: "Job Code"},
			{Name: "positionNbr", Column: "POSITION_NBR", Type: core.FieldText, Label: "Position"},
			{Name: "emplStatus", Column: "EMPL_STATUS", Type: core.FieldText, Label: "Employee Status"},
			{Name: "fte", Column: "FTE", Type: core.FieldNumeric, Label: "FTE"},
			{Name: "compRate", Column: "COMPRATE", Type: core.FieldNumeric, Label: "Comp Rate"},
			{Name: "unionCode", Column: "UNION_CD", Type: core.FieldText, Label: "Union"},
			{Name: "expectedEndDate", Column: "EXPECTED_END_DATE", Type: core.FieldDate, Label: "Expected End"},
		},
		Overridable: true,
	})
}

// registerPosition mirrors PS_POSITION_DATA.
func registerPosition() {
	core.Register(core.EntityType{
		Name:       "position",
		Group:      "UCPath",
		Label:      "Position",
		Source:     "PS_POSITION_DATA",
		KeyColumns: []string{"POSITION_NBR"},
		Attributes: []core.AttributeSpec{
			{Name: "positionNbr", Column: "POSITION_NBR", Type: core.FieldText, Label: "Position", ReadOnly: true},
			{Name: "deptCode", Column: "DEPTID", Type: core.FieldText, Label: "Department"},
			{Name: "jobCode", Column: "JOBCODE", Type: core.FieldText, Label: "Job Code"},
			{Name: "reportsTo", Column: "REPORTS_TO", Type: core.FieldText, Label: "Reports To"},
			{Name: "maxHeadCount", Column: "MAX_HEAD_COUNT", Type: core.FieldNumeric, Label: "Max Head Count"},
			{Name: "budgetedPosn", Column: "BUDGETED_POSN", Type: core.FieldBool, Label: "Budgeted"},
		},
		Overridable: true,
	})
}

// registerPerson mirrors the person-level name extract. Names are corrected
// in UCPath itself, so overrides are refused.
func registerPerson() {
	core.Register(core.EntityType{
		Name:       "person",
		Group:      "UCPath",
		Label:      "Person",
		Source:     "PS_NAMES",
		KeyColumns: []string{"EMPLID"},
		Attributes: []core.AttributeSpec{
			{Name: "emplid", Column: "EMPLID", Type: core.FieldText, Label: "Employee ID", ReadOnly: true},
			{Name: "firstName", Column: "FIRST_NAME", Type: core.FieldText, Label: "First Name"},
			{Name: "lastName", Column: "LAST_NAME", Type: core.FieldText, Label: "Last Name"},
			{Name: "birthDate", Column: "BIRTHDATE", Type: core.FieldDate, Label: "Birth Date"},
		},
		Overridable: false,
	})
}
