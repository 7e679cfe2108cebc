package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

// ECSAPI is the part of *ecs.Client the launcher uses.
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
}

// TaskTemplate is the fixed part of every launch.
type TaskTemplate struct {
	Cluster        string
	TaskDefinition string
	ContainerName  string
	SecurityGroups []string
	Subnets        []string
}

// ECSService starts one Fargate task per job.
type ECSService struct {
	client   ECSAPI
	template TaskTemplate
}

func NewECSService(client ECSAPI, template TaskTemplate) *ECSService {
	return &ECSService{client: client, template: template}
}

// Launch issues exactly one RunTask for req and does not wait for the task.
// Every failure wraps types.ErrLaunchRejected.
func (service *ECSService) Launch(ctx context.Context, req types.LaunchRequest) (types.LaunchReceipt, error) {
	out, err := service.client.RunTask(ctx, service.runTaskInput(req))
	if err != nil {
		return types.LaunchReceipt{}, fmt.Errorf("%w: run task for %s: %v", types.ErrLaunchRejected, req.Params, err)
	}

	if len(out.Tasks) == 0 {
		reasons := make([]string, 0, len(out.Failures))
		for _, f := range out.Failures {
			reasons = append(reasons, fmt.Sprintf("%s (%s)", aws.ToString(f.Reason), aws.ToString(f.Detail)))
		}
		if len(reasons) == 0 {
			reasons = append(reasons, "no task started")
		}
		return types.LaunchReceipt{}, fmt.Errorf("%w: run task for %s: %s", types.ErrLaunchRejected, req.Params, strings.Join(reasons, "; "))
	}

	receipt := types.LaunchReceipt{JobID: req.JobID}
	for _, task := range out.Tasks {
		receipt.TaskArns = append(receipt.TaskArns, aws.ToString(task.TaskArn))
	}
	return receipt, nil
}

func (service *ECSService) runTaskInput(req types.LaunchRequest) *ecs.RunTaskInput {
	input := &ecs.RunTaskInput{
		TaskDefinition: aws.String(service.template.TaskDefinition),
		Cluster:        aws.String(service.template.Cluster),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
				SecurityGroups: service.template.SecurityGroups,
				Subnets:        service.template.Subnets,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{
				{
					Name: aws.String(service.template.ContainerName),
					Environment: []ecstypes.KeyValuePair{
						{Name: aws.String("BUCKET_NAME"), Value: aws.String(req.Params.Bucket)},
						{Name: aws.String("KEY"), Value: aws.String(req.Params.Key)},
						{Name: aws.String("JOB_ID"), Value: aws.String(req.JobID)},
					},
				},
			},
		},
	}
	if req.Params.Sequencer != "" {
		container := &input.Overrides.ContainerOverrides[0]
		container.Environment = append(container.Environment,
			ecstypes.KeyValuePair{Name: aws.String("SEQUENCER"), Value: aws.String(req.Params.Sequencer)})
	}
	// StartedBy is capped at 36 characters, which a uuid fills exactly.
	if req.JobID != "" && len(req.JobID) <= 36 {
		input.StartedBy = aws.String(req.JobID)
	}
	return input
}
