// Package extension provides the in-process extension runtime: plugin
// discovery, dependency-ordered lazy activation, crash-containing hosts,
// and the scoped API plugins program against.
//
// The runtime coordinates four shared services:
//
//   - Manager: discovery, dependency resolution, activation, shutdown
//   - Host: one plugin's isolation boundary and lifecycle state
//   - contrib.Registry: typed contribution points and queued contributions
//   - bus.Bus: directed messages with lazy activation, plus broadcasts
//
// # Plugin Structure
//
// Plugins can be either single-file or directory-based:
//
// Single-file plugin:
//
//	~/.config/hearth/extensions/notes.lua
//
// Directory plugin:
//
//	~/.config/hearth/extensions/notes/
//	├── extension.json   # Manifest
//	├── init.lua         # Entry point
//	└── lib/             # Private modules, shadow shared ones
//	    └── parse.lua
//
// A manifest whose main is "go:<factory>" selects a compiled-in Go
// extension registered in the manager's factory table instead of a Lua
// script.
//
// # Manifest
//
//	{
//	  "id": "notes",
//	  "version": "1.0.0",
//	  "displayName": "Notes",
//	  "main": "init.lua",
//	  "activationEvents": ["onStartup", "onCommand:notes.open"],
//	  "dependencies": ["storage-core"],
//	  "contributes": {
//	    "commands": [
//	      {"id": "notes.open", "title": "Open Notes", "when": "workspace.open"}
//	    ]
//	  }
//	}
//
// Contributions listed under "contributes" are declarative: they become
// visible as soon as the plugin is discovered, before any code runs.
//
// # Plugin Lifecycle
//
//	NotLoaded -> Load() -> Loaded
//	Loaded -> Activate() -> Activating -> Active
//	Active -> Deactivate() -> Deactivating -> Deactivated
//	any activation failure -> Error (terminal)
//
// Activation is lazy: plugins activate when an activation event fires,
// when a message is sent to them, when a dependent activates, or on an
// explicit Activate call. A plugin in the Error state is never retried;
// plugins that depend on it fail their own activation.
//
// # Lua API
//
// Lua plugins reach the host through the hearth module, resolved inside
// their scope:
//
//	local hearth = require("hearth")
//
//	function setup(config)
//	    -- optional, receives the manifest's configDefaults
//	end
//
//	function activate()
//	    hearth.contrib.add("commands", {id = "notes.open", title = "Open"})
//	    hearth.bus.on("notes.append", function(body)
//	        return "appended"
//	    end)
//	    hearth.ctx.set("notes.ready", true)
//	end
//
//	function deactivate()
//	    -- handles registered through the API are released afterwards
//	end
package extension
