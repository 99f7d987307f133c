package lifecycle

// Step recipes. Order is execution order.
var (
	InitializeRecipe = []Step{
		StepCreateRemoteDir,
		StepUploadPackage,
		StepExtractPackage,
		StepCreateConfig,
		StepModifyConfig,
	}

	StartRecipe = []Step{
		StepStartProcess,
		StepVerifyProcess,
	}

	StopRecipe = []Step{
		StepStopProcess,
	}

	RefreshConfigRecipe = []Step{
		StepRefreshConfig,
	}
)

// UpdateConfigRecipe returns the steps for the parts of the update that are set.
func UpdateConfigRecipe(u ConfigUpdate) []Step {
	steps := make([]Step, 0, 3)
	if u.MainConfig != nil {
		steps = append(steps, StepUpdateMainConfig)
	}
	if u.JvmOptions != nil {
		steps = append(steps, StepUpdateJvmConfig)
	}
	if u.SystemOptions != nil {
		steps = append(steps, StepUpdateSystemConfig)
	}
	return steps
}

// RecipeFor returns the steps the tracker should pre-create for an operation.
// UPDATE_CONFIG depends on its payload and DELETE is untracked, so both return nil.
func RecipeFor(op OperationType) []Step {
	switch op {
	case OperationInitialize:
		return InitializeRecipe
	case OperationStart:
		return StartRecipe
	case OperationStop, OperationForceStop:
		return StopRecipe
	case OperationRefreshConfig:
		return RefreshConfigRecipe
	default:
		return nil
	}
}
