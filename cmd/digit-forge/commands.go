package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"digit-forge/internal/checkpoint"
	"digit-forge/internal/classify"
	"digit-forge/internal/config"
	"digit-forge/internal/coreml"
	"digit-forge/internal/errors"
	"digit-forge/internal/logger"
	"digit-forge/internal/model"
	"digit-forge/internal/pipeline"
)

const envPrefix = "DIGITFORGE"

// app carries what every subcommand needs once flags are resolved.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	log    *logger.SlogLogger
	closer io.Closer
}

func newApp() *app {
	return &app{v: viper.New()}
}

// execute runs the command line against a. The log file is closed before
// returning, whether or not the command failed.
func execute(ctx context.Context, a *app, args []string) error {
	defer a.close()
	root := rootCommand(a)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func rootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "digit-forge",
		Short:         "Train the MNIST digit classifier and export it to Core ML",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd)
		},
	}
	if err := setupFlags(rootCmd, a.v); err != nil {
		fmt.Fprintf(os.Stderr, "error setting up flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Train when model generation is enabled, then convert",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd)
			},
		},
		&cobra.Command{
			Use:   "convert",
			Short: "Convert the native model file to Core ML without training",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.convert()
			},
		},
		predictCommand(a),
		&cobra.Command{
			Use:   "inspect [model.mlmodel]",
			Short: "Describe a Core ML model file",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := a.cfg.DeviceModelPath
				if len(args) == 1 {
					path = args[0]
				}
				return a.inspect(cmd.OutOrStdout(), path)
			},
		},
	)
	return rootCmd
}

// setupFlags defines the persistent flags and binds them, together with
// DIGITFORGE_* environment variables, to v.
func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	fs := cmd.PersistentFlags()
	fs.String("config", "", "Path to YAML config (built-in defaults when empty)")
	fs.Bool("model-generation", true, "Train and save the model before converting")
	fs.Bool("additional-images", true, "Merge the jpg images under augment-root into MNIST")
	fs.Bool("normalize", false, "Scale pixels to [0,1] before training")
	fs.String("mnist-dir", "", "Directory holding the MNIST idx files")
	fs.String("augment-root", "", "Root of the <split>/<digit> augmentation directories")
	fs.String("model-path", "", "Native model file")
	fs.String("device-model-path", "", "Core ML output file")
	fs.String("metrics-path", "", "Prometheus textfile written after training")
	fs.Int("epochs", 0, "Number of training epochs")
	fs.Int("batch-size", 0, "Batch size")
	fs.Int64("seed", 0, "PRNG seed")
	fs.Float64("learning-rate", 0, "Adam learning rate")
	fs.Float64("decay", 0, "Per-step learning rate decay")
	fs.String("resize-mode", "", "Image resize mode (scale, reshape)")
	fs.Bool("verify-checksums", true, "Verify MNIST archive checksums")
	fs.Bool("shuffle", true, "Shuffle the training set every epoch")
	fs.Int("log-every", 0, "Log throughput every N steps")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("log-file", "", "Also write logs to this rotated file")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}
	return nil
}

// overrides turns the flag and environment values that were explicitly set
// into config overrides.
func overrides(v *viper.Viper) config.Overrides {
	boolOpt := func(key string) *bool {
		if !v.IsSet(key) {
			return nil
		}
		b := v.GetBool(key)
		return &b
	}
	o := config.Overrides{
		ModelGeneration:  boolOpt("model-generation"),
		AdditionalImages: boolOpt("additional-images"),
		Normalize:        boolOpt("normalize"),
		VerifyChecksums:  boolOpt("verify-checksums"),
		Shuffle:          boolOpt("shuffle"),
		MNISTDir:         v.GetString("mnist-dir"),
		AugmentRoot:      v.GetString("augment-root"),
		ResizeMode:       v.GetString("resize-mode"),
		ModelPath:        v.GetString("model-path"),
		DeviceModelPath:  v.GetString("device-model-path"),
		MetricsPath:      v.GetString("metrics-path"),
		Epochs:           v.GetInt("epochs"),
		BatchSize:        v.GetInt("batch-size"),
		LearningRate:     v.GetFloat64("learning-rate"),
		Seed:             v.GetInt64("seed"),
		LogEvery:         v.GetInt("log-every"),
		LogLevel:         v.GetString("log-level"),
		LogFile:          v.GetString("log-file"),
	}
	// Zero is a valid decay, so only an explicit value overrides.
	if v.IsSet("decay") {
		d := v.GetFloat64("decay")
		o.Decay = &d
	}
	return o
}

// loadConfig reads the config file named by v and applies every override.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, errors.New(err).
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}
	cfg.ApplyOverrides(overrides(v))
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(err).
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return cfg, nil
}

func (a *app) setup() error {
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log, a.closer = logger.New(cfg.Log)
	return nil
}

// close releases the log file. It is safe to call more than once.
func (a *app) close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

func (a *app) run(cmd *cobra.Command) error {
	r, err := pipeline.New(a.cfg, a.log, cmd.OutOrStdout())
	if err != nil {
		return a.fail(err)
	}
	res, err := r.Run(cmd.Context())
	if err != nil {
		return a.fail(err)
	}
	a.log.Info("run complete",
		logger.String("run_id", res.RunID),
		logger.Bool("trained", res.Trained),
		logger.String("device_model_path", res.DeviceModelPath))
	return nil
}

func (a *app) convert() error {
	if err := coreml.ConvertFile(a.cfg.ModelPath, a.cfg.DeviceModelPath, pipeline.ExportOptions(a.cfg)); err != nil {
		return a.fail(err)
	}
	a.log.Info("device model written", logger.String("path", a.cfg.DeviceModelPath))
	return nil
}

func predictCommand(a *app) *cobra.Command {
	var invert bool
	var threshold float64
	cmd := &cobra.Command{
		Use:   "predict image...",
		Short: "Classify images with the native model file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.predict(cmd.OutOrStdout(), args, invert, threshold)
		},
	}
	cmd.Flags().BoolVar(&invert, "invert", false, "Invert images drawn dark on a light canvas")
	cmd.Flags().Float64Var(&threshold, "threshold", classify.DefaultThreshold, "Minimum confidence of an accepted class")
	return cmd
}

func (a *app) predict(out io.Writer, paths []string, invert bool, threshold float64) error {
	f, err := checkpoint.Load(a.cfg.ModelPath)
	if err != nil {
		return a.fail(err)
	}
	net, err := f.Net(model.Options{BatchSize: 1})
	if err != nil {
		return a.fail(err)
	}
	defer net.Close()

	var scale float32 = 1
	if f.Normalized {
		scale = 1.0 / 255
	}
	c, err := classify.New(net, classify.Options{
		Labels:    f.ClassLabels,
		Threshold: threshold,
		Invert:    invert,
		Scale:     scale,
	})
	if err != nil {
		return a.fail(err)
	}
	for _, path := range paths {
		obs, err := c.ClassifyFile(path)
		switch {
		case errors.Is(err, classify.ErrNoResults):
			fmt.Fprintf(out, "%s\tno result\n", path)
		case err != nil:
			return a.fail(err)
		default:
			fmt.Fprintf(out, "%s\t%s\t%.3f\n", path, obs.Label, obs.Confidence)
		}
	}
	return nil
}

func (a *app) inspect(out io.Writer, path string) error {
	s, err := coreml.InspectFile(path)
	if err != nil {
		return a.fail(err)
	}
	return writeSummary(out, s)
}

func writeSummary(out io.Writer, s *coreml.Summary) error {
	fmt.Fprintf(out, "Specification version: %d\n", s.SpecificationVersion)
	fmt.Fprintf(out, "Author: %s\n", s.Author)
	fmt.Fprintf(out, "Description: %s\n", s.ShortDescription)
	for _, in := range s.Inputs {
		fmt.Fprintf(out, "Input: %s (%s %dx%d)\n", in.Name, in.Type, in.Width, in.Height)
	}
	for _, o := range s.Outputs {
		fmt.Fprintf(out, "Output: %s (%s)\n", o.Name, o.Type)
	}
	fmt.Fprintf(out, "Class labels: %s\n", strings.Join(s.ClassLabels, ", "))
	if s.ChannelScale != 0 {
		fmt.Fprintf(out, "Channel scale: %g\n", s.ChannelScale)
	}
	keys := make([]string, 0, len(s.UserDefined))
	for k := range s.UserDefined {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "Metadata %s: %s\n", k, s.UserDefined[k])
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Layer\tKind\tWeights")
	for _, l := range s.Layers {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", l.Name, l.Kind, l.Weights)
	}
	fmt.Fprintf(tw, "Total weights\t\t%d\n", s.TotalWeights())
	return tw.Flush()
}

// fail logs err with its category before handing it back to cobra.
func (a *app) fail(err error) error {
	fields := []logger.Field{logger.Error(err)}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		fields = append(fields,
			logger.String("component", ee.Component),
			logger.String("category", string(ee.Category)),
			logger.String("detail", ee.Detail()))
	}
	a.log.Error("command failed", fields...)
	return err
}
