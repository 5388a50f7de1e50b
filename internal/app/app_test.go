package app_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"shotline/internal/app"
	"shotline/internal/config"
	"shotline/internal/domain"
	"shotline/internal/engine"
)

func initApp(t *testing.T) (*app.App, context.Context) {
	t.Helper()
	ctx := context.Background()
	a, seeded, err := app.Init(ctx, app.Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, len(a.Config.TaskTypes), seeded)
	t.Cleanup(a.Close)
	return a, ctx
}

func TestInitSeedsWorkspace(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	a, seeded, err := app.Init(ctx, app.Options{Workspace: ws})
	require.NoError(t, err)
	require.Equal(t, 9, seeded)

	_, err = os.Stat(config.Path(ws))
	require.NoError(t, err)
	types, err := a.Repo.ListTaskTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 9)
	a.Close()

	// a second init keeps the existing config and seeds nothing new
	a, seeded, err = app.Init(ctx, app.Options{Workspace: ws})
	require.NoError(t, err)
	require.Zero(t, seeded)
	a.Close()
}

func TestOpenRequiresInit(t *testing.T) {
	_, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "run sl init first")
}

func TestResolveProject(t *testing.T) {
	a, ctx := initApp(t)
	only, err := a.Engine.CreateProject(ctx, "sw", "feature", "tester")
	require.NoError(t, err)

	// a lone project is the implicit default
	got, err := a.ResolveProject(ctx, "")
	require.NoError(t, err)
	require.Equal(t, only.ID, got.ID)

	other, err := a.Engine.CreateProject(ctx, "tatooine", "short", "tester")
	require.NoError(t, err)
	_, err = a.ResolveProject(ctx, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--project")

	got, err = a.ResolveProject(ctx, "tatooine")
	require.NoError(t, err)
	require.Equal(t, other.ID, got.ID)

	got, err = a.ResolveProject(ctx, only.ID)
	require.NoError(t, err)
	require.Equal(t, "sw", got.Name)

	_, err = a.ResolveProject(ctx, "naboo")
	require.Error(t, err)
	require.Contains(t, err.Error(), `"naboo"`)
}

func TestResolveTaskType(t *testing.T) {
	a, ctx := initApp(t)

	byName, err := a.ResolveTaskType(ctx, "animation")
	require.NoError(t, err)
	require.Equal(t, "animation", byName.Name)

	byID, err := a.ResolveTaskType(ctx, byName.ID)
	require.NoError(t, err)
	require.Equal(t, byName.ID, byID.ID)

	_, err = a.ResolveTaskType(ctx, "texturing")
	require.Error(t, err)
}

func TestResolveEntity(t *testing.T) {
	a, ctx := initApp(t)
	p, err := a.Engine.CreateProject(ctx, "sw", "feature", "tester")
	require.NoError(t, err)
	seq, err := a.Engine.CreateEntity(ctx, engine.EntityCreate{ProjectID: p.ID, Kind: domain.KindSequence, Name: "SQ01", ActorID: "tester"})
	require.NoError(t, err)

	byID, err := a.ResolveEntity(ctx, p.ID, seq.ID)
	require.NoError(t, err)
	require.Equal(t, "SQ01", byID.Name)

	byName, err := a.ResolveEntity(ctx, p.ID, "SQ01")
	require.NoError(t, err)
	require.Equal(t, seq.ID, byName.ID)

	// the same name on two kinds cannot be resolved by name alone
	_, err = a.Engine.CreateEntity(ctx, engine.EntityCreate{ProjectID: p.ID, Kind: domain.KindAsset, Name: "SQ01", ActorID: "tester"})
	require.NoError(t, err)
	_, err = a.ResolveEntity(ctx, p.ID, "SQ01")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ambiguous")

	_, err = a.ResolveEntity(ctx, p.ID, "SH99")
	require.Error(t, err)
}
