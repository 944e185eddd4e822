package importer

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/foxzi/warden/internal/guild"
	"github.com/foxzi/warden/internal/guild/guildtest"
	"github.com/foxzi/warden/internal/template"
)

const permView = 1 << 10

func strPtr(s string) *string { return &s }

// communityTemplate lists a child channel before its category on purpose.
func communityTemplate() *template.Template {
	return &template.Template{
		Name: "community",
		Roles: []template.RoleSpec{
			{Name: "Mod", Color: 0x3498DB, Permissions: permView | 1<<13, Position: 5, Hoist: true},
			{Name: "Member", Permissions: permView, Position: 1},
		},
		Channels: []template.ChannelSpec{
			{
				Name:      "general",
				Type:      template.ChannelText,
				Topic:     strPtr("Say hi"),
				ParentRef: strPtr("Community"),
				PermissionOverwrites: []template.OverwriteSpec{
					{Subject: template.EveryoneSubject(), Deny: permView},
					{Subject: template.RoleSubject("Mod"), Allow: permView},
				},
			},
			{Name: "Community", Type: template.ChannelCategory, PermissionOverwrites: []template.OverwriteSpec{}},
			{Name: "voice", Type: template.ChannelVoice, ParentRef: strPtr("Community"), Bitrate: 64000, PermissionOverwrites: []template.OverwriteSpec{}},
		},
		Settings: &template.Settings{VerificationLevel: 2},
		Metadata: template.Metadata{Version: template.SchemaVersion},
	}
}

func capture(t *testing.T, g guild.Guild) *guild.Snapshot {
	t.Helper()
	snap, err := guild.Capture(context.Background(), g)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	return snap
}

func kinds(p *Plan) []StepKind {
	result := make([]StepKind, len(p.Steps))
	for i, s := range p.Steps {
		result[i] = s.Kind
	}
	return result
}

func stepNames(p *Plan) []string {
	result := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		result[i] = s.Name()
	}
	return result
}

func TestBuildPlan_Example(t *testing.T) {
	tmpl := &template.Template{
		Name:  "example",
		Roles: []template.RoleSpec{{Name: "Mod", Position: 5}},
		Channels: []template.ChannelSpec{{
			Name: "general",
			Type: template.ChannelText,
			PermissionOverwrites: []template.OverwriteSpec{
				{Subject: template.RoleSubject("Mod"), Allow: permView},
			},
		}},
		Metadata: template.Metadata{Version: template.SchemaVersion},
	}
	g := guildtest.New("1", "target")

	p, err := BuildPlan(tmpl, capture(t, g), StrategyMerge, nil)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	want := []StepKind{StepCreateRole, StepCreateChannel}
	if !reflect.DeepEqual(kinds(p), want) {
		t.Fatalf("steps = %v, want %v", kinds(p), want)
	}
	if p.Steps[0].Role.Name != "Mod" || p.Steps[1].Channel.Name != "general" {
		t.Errorf("step names = %v", stepNames(p))
	}

	// The overwrite travels with the channel and resolves to the new role.
	op := startOperation(t, NewTracker(), "1", p)
	summary, err := newTestExecutor().Execute(context.Background(), g, op)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.Created != 2 || summary.Status != StatusCompleted {
		t.Fatalf("summary = %+v", summary)
	}

	results := op.Snapshot().Results
	ch, ok := g.Channel(results[1].TargetID)
	if !ok {
		t.Fatal("created channel not found")
	}
	if len(ch.Overwrites) != 1 || ch.Overwrites[0].ID != results[0].TargetID || ch.Overwrites[0].Allow != permView {
		t.Errorf("channel overwrites = %+v, want Mod (%s) allow VIEW", ch.Overwrites, results[0].TargetID)
	}
}

// populatedTarget holds a Member role, the Community category and a text
// channel named general.
func populatedTarget() (*guildtest.Guild, map[string]string) {
	g := guildtest.New("1", "target")
	ids := map[string]string{}
	ids["Member"] = g.AddRole(guild.Role{Name: "Member", Position: 1})
	ids["Community"] = g.AddChannel(guild.Channel{Name: "Community", Type: guild.ChannelCategory})
	ids["general"] = g.AddChannel(guild.Channel{Name: "general", Type: guild.ChannelText, ParentID: ids["Community"]})
	return g, ids
}

func TestBuildPlan_Strategies(t *testing.T) {
	g, ids := populatedTarget()
	snap := capture(t, g)

	tests := []struct {
		strategy Strategy
		kinds    []StepKind
		targets  []string
	}{
		{
			strategy: StrategyMerge,
			kinds: []StepKind{
				StepUpdateRole, StepCreateRole,
				StepUpdateChannel,
				StepUpdateChannel, StepSetOverwrite, StepSetOverwrite,
				StepCreateChannel,
				StepUpdateSettings,
			},
			targets: []string{ids["Member"], "", ids["Community"], ids["general"], ids["general"], ids["general"], "", "1"},
		},
		{
			strategy: StrategyOverwrite,
			kinds: []StepKind{
				StepCreateRole, StepCreateRole,
				StepCreateChannel, StepCreateChannel, StepCreateChannel,
				StepUpdateSettings,
			},
			targets: []string{"", "", "", "", "", "1"},
		},
		{
			strategy: StrategySkip,
			kinds: []StepKind{
				StepSkipRole, StepCreateRole,
				StepSkipChannel, StepSkipChannel, StepCreateChannel,
			},
			targets: []string{ids["Member"], "", ids["Community"], ids["general"], ""},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			p, err := BuildPlan(communityTemplate(), snap, tt.strategy, nil)
			if err != nil {
				t.Fatalf("BuildPlan() error = %v", err)
			}
			if p.Strategy != tt.strategy {
				t.Errorf("Strategy = %s", p.Strategy)
			}
			if !reflect.DeepEqual(kinds(p), tt.kinds) {
				t.Fatalf("steps = %v, want %v (%v)", kinds(p), tt.kinds, stepNames(p))
			}
			for i, s := range p.Steps {
				if s.TargetID != tt.targets[i] {
					t.Errorf("step %d (%s %s) target = %q, want %q", i, s.Kind, s.Name(), s.TargetID, tt.targets[i])
				}
			}
		})
	}
}

func TestBuildPlan_Ordering(t *testing.T) {
	p, err := BuildPlan(communityTemplate(), capture(t, guildtest.New("1", "empty")), StrategyMerge, nil)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	want := []string{"Member", "Mod", "Community", "general", "voice", "settings"}
	if got := stepNames(p); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if p.Steps[len(p.Steps)-1].Kind != StepUpdateSettings {
		t.Error("settings step must be last")
	}
	if c := p.Counts(); c.Create != 5 || c.Update != 1 || c.Skip != 0 {
		t.Errorf("Counts() = %+v", c)
	}
}

func TestBuildPlan_SkipSections(t *testing.T) {
	g, ids := populatedTarget()
	snap := capture(t, g)

	p, err := BuildPlan(communityTemplate(), snap, StrategyMerge, []Section{SectionRoles, SectionSettings, SectionRoles})
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	for _, s := range p.Steps {
		if s.Role != nil || s.Kind == StepUpdateSettings {
			t.Errorf("unexpected step %s %s", s.Kind, s.Name())
		}
	}
	if want := []Section{SectionRoles, SectionSettings}; !reflect.DeepEqual(p.SkippedSections, want) {
		t.Errorf("SkippedSections = %v, want %v", p.SkippedSections, want)
	}
	if p.Bindings.Roles["Member"] != ids["Member"] || p.Bindings.EveryoneRoleID != "1" {
		t.Errorf("Bindings = %+v", p.Bindings)
	}
	if p.Bindings.Categories["Community"] != ids["Community"] {
		t.Errorf("category bindings = %v", p.Bindings.Categories)
	}

	p, err = BuildPlan(communityTemplate(), snap, StrategyMerge, []Section{SectionChannels})
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	if got := kinds(p); !reflect.DeepEqual(got, []StepKind{StepUpdateRole, StepCreateRole, StepUpdateSettings}) {
		t.Errorf("steps = %v", got)
	}
}

func TestBuildPlan_MatchRules(t *testing.T) {
	g := guildtest.New("1", "target")
	managed := g.AddRole(guild.Role{Name: "Mod", Position: 3, Managed: true})
	g.AddChannel(guild.Channel{Name: "voice", Type: guild.ChannelText})
	g.AddRole(guild.Role{Name: "member", Position: 2})

	p, err := BuildPlan(communityTemplate(), capture(t, g), StrategyMerge, []Section{SectionSettings})
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	// Names are case sensitive, managed roles are never edited, and a text
	// channel does not match a voice channel of the same name.
	want := []StepKind{StepCreateRole, StepSkipRole, StepCreateChannel, StepCreateChannel, StepCreateChannel}
	if !reflect.DeepEqual(kinds(p), want) {
		t.Fatalf("steps = %v, want %v", kinds(p), want)
	}
	if p.Steps[1].TargetID != managed {
		t.Errorf("skipRole target = %q, want %q", p.Steps[1].TargetID, managed)
	}
}

func TestBuildPlan_MergeIdempotent(t *testing.T) {
	g, _ := populatedTarget()

	first, err := BuildPlan(communityTemplate(), capture(t, g), StrategyMerge, nil)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	op := startOperation(t, NewTracker(), "1", first)
	if _, err := newTestExecutor().Execute(context.Background(), g, op); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	second, err := BuildPlan(communityTemplate(), capture(t, g), StrategyMerge, nil)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	third, err := BuildPlan(communityTemplate(), capture(t, g), StrategyMerge, nil)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	if !reflect.DeepEqual(second.Steps, third.Steps) {
		t.Errorf("plans differ:\n%v\n%v", stepNames(second), stepNames(third))
	}
	for _, s := range second.Steps {
		if s.Kind == StepCreateRole || s.Kind == StepCreateChannel {
			t.Errorf("second plan still creates %s", s.Name())
		}
	}
}

func TestBuildPlan_Errors(t *testing.T) {
	snap := capture(t, guildtest.New("1", "target"))

	if _, err := BuildPlan(nil, snap, StrategyMerge, nil); err == nil {
		t.Error("nil template should fail")
	}
	if _, err := BuildPlan(communityTemplate(), nil, StrategyMerge, nil); err == nil {
		t.Error("nil snapshot should fail")
	}
	if _, err := BuildPlan(communityTemplate(), snap, "replace", nil); err == nil {
		t.Error("unknown strategy should fail")
	}
	if _, err := BuildPlan(communityTemplate(), snap, StrategyMerge, []Section{"emojis"}); err == nil {
		t.Error("unknown section should fail")
	}
	p, err := BuildPlan(communityTemplate(), snap, "", nil)
	if err != nil || p.Strategy != StrategyMerge {
		t.Errorf("empty strategy = %v, %v; want merge", p, err)
	}
}

func TestStepKindText(t *testing.T) {
	for k := StepCreateRole; k <= StepUpdateSettings; k++ {
		text, err := k.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) error = %v", k, err)
		}
		var back StepKind
		if err := back.UnmarshalText(text); err != nil || back != k {
			t.Errorf("UnmarshalText(%s) = %v, %v", text, back, err)
		}
	}
	if _, err := StepKind(99).MarshalText(); err == nil {
		t.Error("MarshalText(99) should fail")
	}
	if StepSetOverwrite.String() != "setPermissionOverwrite" {
		t.Errorf("String() = %s", StepSetOverwrite)
	}
}

func TestPreview(t *testing.T) {
	g, _ := populatedTarget()
	p, err := BuildPlan(communityTemplate(), capture(t, g), StrategySkip, nil)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	preview := Preview(p)
	want := []Outcome{OutcomeSkipped, OutcomeCreated, OutcomeSkipped, OutcomeSkipped, OutcomeCreated}
	if len(preview) != len(want) {
		t.Fatalf("Preview() = %d results, want %d", len(preview), len(want))
	}
	for i, r := range preview {
		if r.Outcome != want[i] || r.Index != i {
			t.Errorf("preview[%d] = %+v, want %s", i, r, want[i])
		}
	}
	if calls := g.Calls(); len(calls) != 0 {
		t.Errorf("Preview() touched the guild: %+v", calls)
	}
}

func newTestExecutor() *Executor {
	return NewExecutor(time.Second, testLogger())
}
