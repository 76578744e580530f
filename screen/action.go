package screen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"bringyour.com/erpclient/rpc"
)

var ErrNoActionHandler = errors.New("no action handler")

const (
	actionTypeWindow = "ir.action.act_window"
	actionTypeWizard = "ir.action.wizard"
	actionTypeReport = "ir.action.report"
	actionTypeUrl    = "ir.action.url"
)

// a server action, one of
// `*WindowAction`, `*WizardAction`, `*ReportAction`, `*UrlAction`
type Action interface {
	ActionId() int64
	ActionName() string
	isAction()
}

type actionBase struct {
	Id   int64
	Name string
}

func (self *actionBase) ActionId() int64 {
	return self.Id
}

func (self *actionBase) ActionName() string {
	return self.Name
}

func (self *actionBase) isAction() {}

// opens a new screen
// the pyson domain, context and order are passed through unevaluated
type WindowAction struct {
	actionBase
	ResModel     string
	ResId        int64
	Domain       string
	Context      string
	Order        string
	SearchValue  string
	ViewIds      []int64
	ViewModes    []ViewType
	Limit        int
	ContextModel string
}

type WizardAction struct {
	actionBase
	WizardName string
	// opens in a new window instead of a dialog
	Window bool
}

type ReportAction struct {
	actionBase
	ReportName  string
	DirectPrint bool
	EmailPrint  bool
}

type UrlAction struct {
	actionBase
	Url string
}

// the records an action runs on
type ActionData struct {
	Model string
	Id    int64
	Ids   []int64
}

// one method per action variant
type ActionHandler interface {
	OpenWindow(ctx context.Context, action *WindowAction, data *ActionData) error
	RunWizard(ctx context.Context, action *WizardAction, data *ActionData) error
	RunReport(ctx context.Context, action *ReportAction, data *ActionData) error
	OpenUrl(ctx context.Context, action *UrlAction, data *ActionData) error
}

// resolves the concrete action of `actionId` and hands it to the handler
// runs synchronously so that a double activation cannot run the action twice
func ExecuteAction(
	ctx context.Context,
	executor rpc.Executor,
	handler ActionHandler,
	actionId int64,
	data *ActionData,
	context map[string]any,
) error {
	actions, err := rpc.Execute[[]map[string]any](
		ctx,
		executor,
		modelMethod("ir.action", "read"),
		[]int64{actionId},
		[]string{"type"},
		context,
	)
	if err != nil {
		return err
	}
	if len(actions) != 1 {
		return fmt.Errorf("action %d not found", actionId)
	}
	actionType, _ := actions[0]["type"].(string)
	if actionType == "" {
		return fmt.Errorf("action %d has no type", actionId)
	}

	rows, err := rpc.Execute[[]map[string]any](
		ctx,
		executor,
		modelMethod(actionType, "search_read"),
		[]any{[]any{"action", "=", actionId}},
		0,
		1,
		nil,
		nil,
		context,
	)
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return fmt.Errorf("%s for action %d not found", actionType, actionId)
	}
	if _, ok := rows[0]["type"]; !ok {
		rows[0]["type"] = actionType
	}
	action, err := ParseAction(rows[0])
	if err != nil {
		return err
	}
	return DispatchAction(ctx, handler, action, data)
}

func ParseAction(values map[string]any) (Action, error) {
	base := actionBase{
		Id:   int64Value(values["id"]),
		Name: stringValue(values["name"]),
	}
	actionType := stringValue(values["type"])
	switch actionType {
	case actionTypeWindow:
		action := &WindowAction{
			actionBase:   base,
			ResModel:     stringValue(values["res_model"]),
			ResId:        int64Value(values["res_id"]),
			Domain:       stringValue(values["pyson_domain"]),
			Context:      stringValue(values["pyson_context"]),
			Order:        stringValue(values["pyson_order"]),
			SearchValue:  stringValue(values["pyson_search_value"]),
			Limit:        int(int64Value(values["limit"])),
			ContextModel: stringValue(values["context_model"]),
		}
		if views, ok := values["views"].([]any); ok {
			for _, view := range views {
				pair, ok := view.([]any)
				if !ok || len(pair) != 2 {
					continue
				}
				action.ViewIds = append(action.ViewIds, int64Value(pair[0]))
				action.ViewModes = append(action.ViewModes, ViewType(stringValue(pair[1])))
			}
		} else if viewId := int64Value(values["view_id"]); viewId != 0 {
			action.ViewIds = []int64{viewId}
		}
		if action.Domain == "" {
			action.Domain = "[]"
		}
		return action, nil
	case actionTypeWizard:
		return &WizardAction{
			actionBase: base,
			WizardName: stringValue(values["wiz_name"]),
			Window:     boolValue(values["window"]),
		}, nil
	case actionTypeReport:
		return &ReportAction{
			actionBase:  base,
			ReportName:  stringValue(values["report_name"]),
			DirectPrint: boolValue(values["direct_print"]),
			EmailPrint:  boolValue(values["email_print"]),
		}, nil
	case actionTypeUrl:
		return &UrlAction{
			actionBase: base,
			Url:        stringValue(values["url"]),
		}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}
}

func DispatchAction(ctx context.Context, handler ActionHandler, action Action, data *ActionData) error {
	if handler == nil {
		return ErrNoActionHandler
	}
	glog.Infof("[action]%T %d %s\n", action, action.ActionId(), action.ActionName())
	switch v := action.(type) {
	case *WindowAction:
		return handler.OpenWindow(ctx, v, data)
	case *WizardAction:
		return handler.RunWizard(ctx, v, data)
	case *ReportAction:
		return handler.RunReport(ctx, v, data)
	case *UrlAction:
		if v.Url == "" {
			return nil
		}
		return handler.OpenUrl(ctx, v, data)
	default:
		return fmt.Errorf("unknown action %T", action)
	}
}

func int64Value(value any) int64 {
	switch v := value.(type) {
	case json.Number:
		i, _ := v.Int64()
		return i
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case []any:
		// many2one values may come as `[id, rec_name]`
		if 0 < len(v) {
			return int64Value(v[0])
		}
	}
	return 0
}

func stringValue(value any) string {
	s, _ := value.(string)
	return s
}

func boolValue(value any) bool {
	b, _ := value.(bool)
	return b
}
