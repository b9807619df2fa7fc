// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package spantest implements creation/destruction of temporary Spanner
// databases on a Cloud Spanner Emulator.
package spantest

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	instance "cloud.google.com/go/spanner/admin/instance/apiv1"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/spanmetrics/internal/sqlscript"
)

const (
	// EmulatorHostEnv is the environment variable with the host:port of a
	// running Cloud Spanner Emulator.
	EmulatorHostEnv = "SPANNER_EMULATOR_HOST"

	// DefaultProject is the project used for emulator instances.
	DefaultProject = "projects/spanmetrics-testing"

	// emulatorConfig is the only instance config the emulator supports.
	emulatorConfig = "emulator-config"

	instanceID = "testing"
)

// EmulatorHost returns the emulator address, or "" if no emulator is
// configured.
func EmulatorHost() string {
	return os.Getenv(EmulatorHostEnv)
}

// SkipIfNoEmulator skips the test if no emulator is configured.
func SkipIfNoEmulator(t testing.TB) {
	t.Helper()
	if EmulatorHost() == "" {
		t.Skipf("%s is not set", EmulatorHostEnv)
	}
}

// ClientOptions returns options to connect to the emulator.
func ClientOptions() []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(EmulatorHost()),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}
}

// TempDBConfig specifies how to create a temporary database.
type TempDBConfig struct {
	// InstanceName is the name of the Spanner instance where to create the
	// temporary database.
	// Format: projects/{project}/instances/{instance}.
	// Defaults to an instance created by NewInstance.
	InstanceName string

	// InitScriptPath is a path to a DDL script to initialize the database.
	//
	// See package sqlscript for the supported syntax.
	InitScriptPath string

	// InitStatements are DDL statements executed after the ones from
	// InitScriptPath.
	InitStatements []string
}

func (cfg *TempDBConfig) ddlStatements() ([]string, error) {
	var ret []string
	if cfg.InitScriptPath != "" {
		var err error
		if ret, err = sqlscript.ReadFile(cfg.InitScriptPath); err != nil {
			return nil, err
		}
	}
	return append(ret, cfg.InitStatements...), nil
}

// TempDB is a temporary Spanner database.
type TempDB struct {
	Name string
	opts []option.ClientOption
}

// Client returns a spanner client connected to the database.
func (db *TempDB) Client(ctx context.Context) (*spanner.Client, error) {
	return spanner.NewClient(ctx, db.Name, db.opts...)
}

// Drop deletes the database.
func (db *TempDB) Drop(ctx context.Context) error {
	client, err := database.NewDatabaseAdminClient(ctx, db.opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.DropDatabase(ctx, &databasepb.DropDatabaseRequest{
		Database: db.Name,
	})
}

var dbNameAlphabetInversedRe = regexp.MustCompile(`[^\w]+`)

// NewTempDB creates a temporary database with a random name on the emulator.
//
// The caller is responsible for calling Drop on the returned TempDB, though
// the database disappears anyway when the emulator stops.
func NewTempDB(ctx context.Context, cfg TempDBConfig) (*TempDB, error) {
	if EmulatorHost() == "" {
		return nil, errors.Reason("%s is not set", EmulatorHostEnv).Err()
	}
	opts := ClientOptions()

	initStatements, err := cfg.ddlStatements()
	if err != nil {
		return nil, err
	}

	instanceName := cfg.InstanceName
	if instanceName == "" {
		if instanceName, err = NewInstance(ctx, DefaultProject); err != nil {
			return nil, err
		}
	}

	client, err := database.NewDatabaseAdminClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var random uint32
	if err := binary.Read(rand.Reader, binary.LittleEndian, &random); err != nil {
		panic(err)
	}
	dbName := SanitizeDBName(fmt.Sprintf("tmp%s-%d", time.Now().Format("20060102-"), random))

	dbOp, err := client.CreateDatabase(ctx, &databasepb.CreateDatabaseRequest{
		Parent:          instanceName,
		CreateStatement: "CREATE DATABASE " + dbName,
		ExtraStatements: initStatements,
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to create database").Err()
	}
	db, err := dbOp.Wait(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create database").Err()
	}
	logging.Debugf(ctx, "created temporary database %s", db.Name)

	return &TempDB{
		Name: db.Name,
		opts: opts,
	}, nil
}

// SanitizeDBName transforms name to a valid one.
// If name is already valid, returns it without changes.
func SanitizeDBName(name string) string {
	name = strings.ToLower(name)
	name = dbNameAlphabetInversedRe.ReplaceAllLiteralString(name, "_")
	const maxLen = 30
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	name = strings.TrimRight(name, "_")
	return name
}

// NewInstance creates the test instance on the emulator, unless it exists
// already, and returns its name.
func NewInstance(ctx context.Context, projectName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if projectName == "" {
		projectName = DefaultProject
	}
	name := projectName + "/instances/" + instanceID

	client, err := instance.NewInstanceAdminClient(ctx, ClientOptions()...)
	if err != nil {
		return "", err
	}
	defer client.Close()

	insOp, err := client.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     projectName,
		InstanceId: instanceID,
		Instance: &instancepb.Instance{
			Config:      projectName + "/instanceConfigs/" + emulatorConfig,
			DisplayName: instanceID,
			NodeCount:   1,
		},
	})
	switch {
	case status.Code(err) == codes.AlreadyExists:
		return name, nil
	case err != nil:
		return "", errors.Annotate(err, "failed to create instance").Err()
	}

	switch ins, err := insOp.Wait(ctx); {
	case status.Code(err) == codes.AlreadyExists:
		return name, nil
	case err != nil:
		return "", errors.Annotate(err, "failed to get instance state").Err()
	case ins.State != instancepb.Instance_READY:
		return "", errors.Reason("instance is not ready, got state %v", ins.State).Err()
	default:
		return ins.Name, nil
	}
}
