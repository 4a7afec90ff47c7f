package order

type recordOpt func(*Record)

func rec(id string, action Action, encounterID string, opts ...recordOpt) Record {
	r := Record{
		OrderID:     id,
		EncounterID: encounterID,
		Action:      NewField(action, action.String()),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func activated(d Date) recordOpt {
	return func(r *Record) { r.DateActivated = NewField(d, string(d)) }
}

func started(d Date) recordOpt {
	return func(r *Record) { r.EffectiveStartDate = NewField(d, string(d)) }
}

func stopsOn(d Date) recordOpt {
	return func(r *Record) { r.EffectiveStopDate = NewField(d, string(d)) }
}

func stoppedOn(d Date) recordOpt {
	return func(r *Record) { r.DateStopped = NewField(d, string(d)) }
}

func revises(previousID string) recordOpt {
	return func(r *Record) { r.PreviousOrderID = previousID }
}

func testConfig(mode Mode, history ...Record) *Config {
	return &Config{
		FieldName:        "drugOrders",
		EncounterID:      "E2",
		Mode:             mode,
		Today:            "2024-06-01",
		SupportedActions: AllActions(),
		History:          history,
	}
}
