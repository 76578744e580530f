package screen

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"bringyour.com/erpclient/model"
	"bringyour.com/erpclient/rpc"
)

var ErrUnknownButtonType = errors.New("unknown button type")

// a view button, one of `*ClassButton`, `*InstanceButton`
type Button interface {
	ButtonName() string
	// the question to confirm, empty for none
	ButtonConfirm() string
	// checked on every selected record before the call
	ButtonPreValidate() []any
	isButton()
}

// a server method on the persisted selected records
type ClassButton struct {
	Name        string
	Confirm     string
	PreValidate []any
}

func (self *ClassButton) ButtonName() string {
	return self.Name
}

func (self *ClassButton) ButtonConfirm() string {
	return self.Confirm
}

func (self *ClassButton) ButtonPreValidate() []any {
	return self.PreValidate
}

func (self *ClassButton) isButton() {}

// an on change style call on the current record only
type InstanceButton struct {
	Name        string
	Confirm     string
	PreValidate []any
	// the fields sent with the call
	Change []string
}

func (self *InstanceButton) ButtonName() string {
	return self.Name
}

func (self *InstanceButton) ButtonConfirm() string {
	return self.Confirm
}

func (self *InstanceButton) ButtonPreValidate() []any {
	return self.PreValidate
}

func (self *InstanceButton) isButton() {}

// the button of a view `type` attribute, `class` or `instance`
func NewButton(buttonType string, name string) (Button, error) {
	switch buttonType {
	case "class":
		return &ClassButton{Name: name}, nil
	case "instance":
		return &InstanceButton{Name: name}, nil
	default:
		return nil, fmt.Errorf("%w %q for %s", ErrUnknownButtonType, buttonType, name)
	}
}

// runs `button` on the selected records
func (self *Screen) Button(ctx context.Context, button Button) error {
	if !knownButton(button) {
		return fmt.Errorf("%w %T", ErrUnknownButtonType, button)
	}
	record := self.currentRecord
	if record == nil {
		return ErrNoCurrentRecord
	}
	view := self.CurrentView()
	var fields []string
	if view != nil {
		view.SetValue(record)
		fields = view.Fields()
	}

	preValidate := button.ButtonPreValidate()
	for _, selected := range self.SelectedRecords() {
		if !selected.Validate(fields, preValidate) {
			err := &model.ValidationError{Fields: selected.InvalidFields()}
			glog.V(1).Infof("[screen]button %s pre validation: %s\n", button.ButtonName(), self.InvalidMessage(selected))
			if displayErr := self.Display(ctx); displayErr != nil {
				glog.V(1).Infof("[screen]display error = %s\n", displayErr)
			}
			if 0 < len(preValidate) {
				// back to the validity of the normal domain
				selected.Validate(fields, nil)
			}
			return err
		}
	}

	if confirm := button.ButtonConfirm(); confirm != "" {
		if self.confirmer == nil || !self.confirmer.Confirm(confirm) {
			return ErrCancelled
		}
	}

	switch v := button.(type) {
	case *InstanceButton:
		return self.instanceButton(ctx, v, record)
	case *ClassButton:
		if _, err := record.Save(ctx, false); err != nil {
			return err
		}
		return self.classButton(ctx, v)
	}
	return nil
}

func knownButton(button Button) bool {
	switch v := button.(type) {
	case *ClassButton:
		return v != nil
	case *InstanceButton:
		return v != nil
	default:
		return false
	}
}

func (self *Screen) instanceButton(ctx context.Context, button *InstanceButton, record *model.Record) error {
	group := record.Group()
	changes, err := rpc.Execute[map[string]any](
		ctx,
		self.executor,
		modelMethod(group.ModelName(), button.Name),
		record.OnChangeValues(button.Change...),
		group.Context(),
	)
	if err != nil {
		return err
	}
	record.SetOnChange(changes)
	return self.Display(ctx)
}

func (self *Screen) classButton(ctx context.Context, button *ClassButton) error {
	records := self.SelectedRecords()
	ids := make([]int64, 0, len(records))
	timestamps := map[string]string{}
	for _, record := range records {
		ids = append(ids, record.Id())
		maps.Copy(timestamps, record.Timestamps())
	}
	context := self.group.Context()
	context["_timestamp"] = timestamps

	raw, err := self.executor.Execute(ctx, modelMethod(self.modelName, button.Name), ids, context)
	if err != nil {
		return err
	}
	actionId, clientAction, err := parseButtonResult(raw)
	if err != nil {
		return err
	}

	if err := self.Reload(ctx, ids, true); err != nil {
		return err
	}
	if clientAction != "" {
		if err := self.ClientAction(ctx, clientAction); err != nil {
			return err
		}
	}
	if actionId != 0 {
		data := &ActionData{
			Model: self.modelName,
			Ids:   ids,
		}
		if self.currentRecord != nil {
			data.Id = self.currentRecord.Id()
		}
		return ExecuteAction(ctx, self.executor, self.actionHandler, actionId, data, self.group.Context())
	}
	return nil
}

// a class button returns nothing, an action id, a client action,
// or `[action id, client action]`
func parseButtonResult(raw []byte) (int64, string, error) {
	result, err := rpc.DecodeResult[any](raw)
	if err != nil {
		return 0, "", err
	}
	switch v := result.(type) {
	case nil:
		return 0, "", nil
	case string:
		return 0, v, nil
	case []any:
		if len(v) != 2 {
			return 0, "", fmt.Errorf("button result %v", v)
		}
		return int64Value(v[0]), stringValue(v[1]), nil
	default:
		if actionId := int64Value(v); actionId != 0 {
			return actionId, "", nil
		}
		return 0, "", nil
	}
}
