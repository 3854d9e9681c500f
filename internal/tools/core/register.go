package core

import "forgeloop/internal/tools"

// RegisterAll adds every core filesystem tool to the registry.
func RegisterAll(r *tools.Registry, projectRoot string) {
	r.MustRegister(ReadFileTool(projectRoot))
	r.MustRegister(WriteFileTool(projectRoot))
	r.MustRegister(StrReplaceTool(projectRoot))
	r.MustRegister(DeleteFileTool(projectRoot))
	r.MustRegister(ListFilesTool(projectRoot))
	r.MustRegister(SearchTool(projectRoot))
}
