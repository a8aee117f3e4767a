package component

// SlotTable declares, per element type, the named props that are
// structural child slots: they hold a Node but serialize as a nested prop
// rather than a generic child.
type SlotTable map[string]map[string]bool

// Declared reports whether key is a structural child slot of typ.
func (t SlotTable) Declared(typ, key string) bool {
	return t[typ][key]
}

// DefaultSlotTable covers the element shapes that carry node-valued slots
// in the stock vocabulary.
func DefaultSlotTable() SlotTable {
	return SlotTable{
		"Card": {
			"header": true,
		},
		"CardHeader": {
			"avatar":    true,
			"action":    true,
			"title":     true,
			"subheader": true,
		},
		"ListItem": {
			"secondaryAction": true,
		},
		"ListItemButton": {
			"icon": true,
		},
		"Chip": {
			"avatar": true,
			"icon":   true,
		},
		"TextField": {
			"startAdornment": true,
			"endAdornment":   true,
		},
		"Button": {
			"startIcon": true,
			"endIcon":   true,
		},
	}
}
