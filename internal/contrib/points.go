package contrib

// Built-in contribution point ids registered by the extension manager.
const (
	PointCommands = "commands"
	PointMenus    = "menus"
	PointViews    = "views"
	PointSettings = "settings"
)

// Command is the payload for the "commands" point.
type Command struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
}

// MenuItem is the payload for the "menus" point.
type MenuItem struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Title   string `json:"title"`
	Group   string `json:"group"`
}

// View is the payload for the "views" point.
type View struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Icon  string `json:"icon"`
}

// Setting is the payload for the "settings" point.
type Setting struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Default     any    `json:"default"`
	Description string `json:"description"`
}

// BuiltinPoints returns the schemas for the runtime's built-in points.
func BuiltinPoints() map[string]PointSchema {
	return map[string]PointSchema{
		PointCommands: {
			Description: "Commands invokable from palettes, menus, and the message bus",
			Fields:      []string{"id", "title", "category"},
		},
		PointMenus: {
			Description: "Menu entries bound to commands",
			Fields:      []string{"id", "command", "title", "group"},
		},
		PointViews: {
			Description: "Views contributed to the workbench shell",
			Fields:      []string{"id", "title", "icon"},
		},
		PointSettings: {
			Description: "User-configurable settings",
			Fields:      []string{"key", "type", "default", "description"},
		},
	}
}
