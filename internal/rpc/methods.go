package rpc

// Method names under the tasks.*, system.*, and config.* namespaces.
const (
	MethodTasksExecute       = "tasks.execute"
	MethodTasksCreate        = "tasks.create"
	MethodTasksGet           = "tasks.get"
	MethodTasksUpdate        = "tasks.update"
	MethodTasksDelete        = "tasks.delete"
	MethodTasksDetail        = "tasks.detail"
	MethodTasksTree          = "tasks.tree"
	MethodTasksChildren      = "tasks.children"
	MethodTasksList          = "tasks.list"
	MethodTasksRunningList   = "tasks.running.list"
	MethodTasksRunningStatus = "tasks.running.status"
	MethodTasksRunningCount  = "tasks.running.count"
	MethodTasksCancel        = "tasks.cancel"
	MethodTasksRunningCancel = "tasks.running.cancel"
	MethodTasksCopy          = "tasks.copy"
	MethodTasksGenerate      = "tasks.generate"
	MethodCancel             = "cancel"

	MethodSystemHealth           = "system.health"
	MethodConfigLLMKeySet        = "config.llm_key.set"
	MethodConfigLLMKeyGet        = "config.llm_key.get"
	MethodConfigLLMKeyDelete     = "config.llm_key.delete"
	MethodExamplesInit           = "examples.init"
	MethodExamplesStatus         = "examples.status"
)

// legacyAliases maps a pre-dotted-namespace method name to its tasks.*/
// system.*/config.* equivalent. canonicalize resolves an incoming method
// name through this table before dispatch.
var legacyAliases = map[string]string{
	"execute_task_tree": MethodTasksExecute,
	"create_task":       MethodTasksCreate,
	"get_task":          MethodTasksGet,
	"update_task":       MethodTasksUpdate,
	"delete_task":       MethodTasksDelete,
	"task_detail":       MethodTasksDetail,
	"task_tree":         MethodTasksTree,
	"task_children":     MethodTasksChildren,
	"list_tasks":        MethodTasksList,
	"list_running":      MethodTasksRunningList,
	"running_status":    MethodTasksRunningStatus,
	"running_count":     MethodTasksRunningCount,
	"cancel_task":       MethodTasksCancel,
	"running_cancel":    MethodTasksRunningCancel,
	"copy_task":         MethodTasksCopy,
	"generate_task":     MethodTasksGenerate,
	"health":            MethodSystemHealth,
}

// canonicalize resolves method through legacyAliases, returning it unchanged
// if it is not a known alias (including when it is already canonical).
func canonicalize(method string) string {
	if canonical, ok := legacyAliases[method]; ok {
		return canonical
	}
	return method
}
